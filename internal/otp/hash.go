package otp

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Codes live for minutes and the attempt cap does the heavy lifting, so the
// argon2id cost sits well below a password hash.
const (
	defaultHashTime      = 1
	defaultHashMemoryKiB = 16 * 1024
	hashKeyLen           = 32
	hashSaltLen          = 16
	hashPrefix           = "a2id"
)

var b64 = base64.RawURLEncoding

func (p Policy) hashCost() (uint32, uint32) {
	t, m := p.HashTime, p.HashMemoryKiB
	if t == 0 {
		t = defaultHashTime
	}
	if m == 0 {
		m = defaultHashMemoryKiB
	}
	return t, m
}

// codeKey binds the code to its approval so a stored hash is useless for
// any other record.
func codeKey(approvalID, code string, salt []byte, t, m uint32) []byte {
	return argon2.IDKey([]byte(approvalID+":"+code), salt, t, m, 1, hashKeyLen)
}

// hashCode encodes as a2id.<time>.<memKiB>.<salt>.<key>. The cost travels
// with the hash so changing the policy never strands live codes.
func (p Policy) hashCode(approvalID, code string) (string, error) {
	salt := make([]byte, hashSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	t, m := p.hashCost()
	key := codeKey(approvalID, code, salt, t, m)
	return fmt.Sprintf("%s.%d.%d.%s.%s", hashPrefix, t, m, b64.EncodeToString(salt), b64.EncodeToString(key)), nil
}

func matchCode(encoded, approvalID, code string) bool {
	parts := strings.Split(encoded, ".")
	if len(parts) != 5 || parts[0] != hashPrefix {
		return false
	}
	t, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil || t == 0 {
		return false
	}
	m, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil || m == 0 {
		return false
	}
	salt, err := b64.DecodeString(parts[3])
	if err != nil {
		return false
	}
	want, err := b64.DecodeString(parts[4])
	if err != nil || len(want) != hashKeyLen {
		return false
	}
	got := codeKey(approvalID, code, salt, uint32(t), uint32(m))
	return subtle.ConstantTimeCompare(want, got) == 1
}
