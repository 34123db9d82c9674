package codec

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/meshlink/meshlink-go/pkg/network"
)

// Proxy service data identification types.
const (
	IdentityNetwork uint8 = 0x00
	IdentityNode    uint8 = 0x01
)

const (
	networkIDSize = 8
	hashSize      = 8
	randomSize    = 8
)

var identitySalt = []byte("meshlink")

func derive(secret []byte, info []byte, n int) []byte {
	out := make([]byte, n)
	r := hkdf.New(sha256.New, secret, identitySalt, info)
	if _, err := io.ReadFull(r, out); err != nil {
		// hkdf only fails when more than 255 hash lengths are requested.
		panic(err)
	}
	return out
}

// NetworkID derives the 8-byte public network identifier from a network key.
func NetworkID(netKey network.Key) []byte {
	return derive(netKey[:], []byte("id64"), networkIDSize)
}

func identityKey(netKey network.Key) []byte {
	return derive(netKey[:], []byte("nkik"), 16)
}

// NodeHash derives the node identity hash for addr from random.
func NodeHash(netKey network.Key, random []byte, addr uint16) []byte {
	info := make([]byte, 0, len(random)+2)
	info = append(info, random...)
	info = binary.BigEndian.AppendUint16(info, addr)
	return derive(identityKey(netKey), info, hashSize)
}

// NetworkIdentityData builds proxy service data advertising the network.
func NetworkIdentityData(netKey network.Key) []byte {
	return append([]byte{IdentityNetwork}, NetworkID(netKey)...)
}

// NodeIdentityData builds proxy service data advertising the node at addr.
func NodeIdentityData(netKey network.Key, addr uint16) ([]byte, error) {
	random := make([]byte, randomSize)
	if _, err := rand.Read(random); err != nil {
		return nil, err
	}
	data := append([]byte{IdentityNode}, NodeHash(netKey, random, addr)...)
	return append(data, random...), nil
}

func matchNetworkID(netKey network.Key, data []byte) bool {
	if len(data) < 1+networkIDSize || data[0] != IdentityNetwork {
		return false
	}
	return bytes.Equal(data[1:1+networkIDSize], NetworkID(netKey))
}

func matchNodeHash(netKey network.Key, data []byte, addrs []uint16) bool {
	if len(data) < 1+hashSize+randomSize || data[0] != IdentityNode {
		return false
	}
	hash := data[1 : 1+hashSize]
	random := data[1+hashSize : 1+hashSize+randomSize]
	for _, addr := range addrs {
		if bytes.Equal(hash, NodeHash(netKey, random, addr)) {
			return true
		}
	}
	return false
}
