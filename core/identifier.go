package core

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// IDNormalizer converts identifiers between their canonical string form and the
// backend-native representation. It is applied whenever an identifier crosses
// the adapter boundary.
type IDNormalizer interface {
	// ToNative validates s and converts it to the native identifier
	ToNative(s string) (any, error)
	// ToString converts a native identifier to its canonical string
	ToString(native any) (string, error)
}

// StringIDs treats identifiers as opaque non-empty strings
type StringIDs struct{}

func (StringIDs) ToNative(s string) (any, error) {
	if s == "" {
		return nil, &InvalidIdentifierError{Value: s, Reason: "empty identifier"}
	}
	return s, nil
}

func (StringIDs) ToString(native any) (string, error) {
	switch v := native.(type) {
	case string:
		if v == "" {
			return "", &InvalidIdentifierError{Value: v, Reason: "empty identifier"}
		}
		return v, nil
	case []byte:
		if len(v) == 0 {
			return "", &InvalidIdentifierError{Value: v, Reason: "empty identifier"}
		}
		return string(v), nil
	}
	return "", &InvalidIdentifierError{Value: native, Reason: fmt.Sprintf("unexpected native type %T", native)}
}

// IntegerIDs maps canonical base-10 strings to int64 identifiers
type IntegerIDs struct{}

func (IntegerIDs) ToNative(s string) (any, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, &InvalidIdentifierError{Value: s, Reason: "not a base-10 integer"}
	}
	if strconv.FormatInt(n, 10) != s {
		return nil, &InvalidIdentifierError{Value: s, Reason: "not in canonical form"}
	}
	return n, nil
}

func (IntegerIDs) ToString(native any) (string, error) {
	switch v := native.(type) {
	case int64:
		return strconv.FormatInt(v, 10), nil
	case int:
		return strconv.FormatInt(int64(v), 10), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case uint:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint64:
		// Note: values above MaxInt64 cannot round-trip through ToNative
		if v > 1<<63-1 {
			return "", &InvalidIdentifierError{Value: v, Reason: "out of int64 range"}
		}
		return strconv.FormatUint(v, 10), nil
	case []byte:
		// some drivers return integer keys as text
		return IntegerIDs{}.ToString(string(v))
	case string:
		if _, err := (IntegerIDs{}).ToNative(v); err != nil {
			return "", err
		}
		return v, nil
	}
	return "", &InvalidIdentifierError{Value: native, Reason: fmt.Sprintf("unexpected native type %T", native)}
}

// UUIDIDs maps canonical lower-case UUID strings to uuid.UUID
type UUIDIDs struct{}

func (UUIDIDs) ToNative(s string) (any, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return nil, &InvalidIdentifierError{Value: s, Reason: err.Error()}
	}
	if u.String() != s {
		return nil, &InvalidIdentifierError{Value: s, Reason: "not in canonical form"}
	}
	return u, nil
}

func (UUIDIDs) ToString(native any) (string, error) {
	switch v := native.(type) {
	case uuid.UUID:
		return v.String(), nil
	case [16]byte:
		return uuid.UUID(v).String(), nil
	case []byte:
		if len(v) == 16 {
			u, err := uuid.FromBytes(v)
			if err != nil {
				return "", &InvalidIdentifierError{Value: v, Reason: err.Error()}
			}
			return u.String(), nil
		}
		return UUIDIDs{}.ToString(string(v))
	case string:
		u, err := uuid.Parse(v)
		if err != nil {
			return "", &InvalidIdentifierError{Value: v, Reason: err.Error()}
		}
		return u.String(), nil
	}
	return "", &InvalidIdentifierError{Value: native, Reason: fmt.Sprintf("unexpected native type %T", native)}
}

// ObjectID is a 12-byte document identifier: 4 bytes of seconds since epoch,
// 5 random bytes and a 3 byte counter.
type ObjectID [12]byte

var (
	objectIDCounter atomic.Uint32
	objectIDProcess = func() [5]byte {
		var b [5]byte
		if _, err := rand.Read(b[:]); err != nil {
			panic(fmt.Sprintf("cannot seed object ids: %v", err))
		}
		return b
	}()
)

// NewObjectID generates a new ObjectID
func NewObjectID() ObjectID {
	var id ObjectID
	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	copy(id[4:9], objectIDProcess[:])
	c := objectIDCounter.Add(1)
	id[9] = byte(c >> 16)
	id[10] = byte(c >> 8)
	id[11] = byte(c)
	return id
}

// String returns the 24 character hex form
func (id ObjectID) String() string {
	return hex.EncodeToString(id[:])
}

// Timestamp returns the creation time encoded in the id
func (id ObjectID) Timestamp() time.Time {
	return time.Unix(int64(binary.BigEndian.Uint32(id[0:4])), 0).UTC()
}

// ObjectIDs maps 24 character lower-case hex strings to ObjectID
type ObjectIDs struct{}

func (ObjectIDs) ToNative(s string) (any, error) {
	if len(s) != 24 {
		return nil, &InvalidIdentifierError{Value: s, Reason: "object id must be 24 hex characters"}
	}
	var id ObjectID
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return nil, &InvalidIdentifierError{Value: s, Reason: "object id must be hex"}
	}
	if id.String() != s {
		return nil, &InvalidIdentifierError{Value: s, Reason: "not in canonical form"}
	}
	return id, nil
}

func (ObjectIDs) ToString(native any) (string, error) {
	switch v := native.(type) {
	case ObjectID:
		return v.String(), nil
	case *ObjectID:
		if v != nil {
			return v.String(), nil
		}
	case string:
		if _, err := (ObjectIDs{}).ToNative(v); err != nil {
			return "", err
		}
		return v, nil
	}
	return "", &InvalidIdentifierError{Value: native, Reason: fmt.Sprintf("unexpected native type %T", native)}
}

// SecureEncoder obscures values of secure fields outside the store
type SecureEncoder interface {
	Encode(plain string) (string, error)
	Decode(encoded string) (string, error)
}

// HexEncoder is a reversible, deterministic obfuscation keyed by a secret.
// It hides sequential identifiers; it is not encryption.
type HexEncoder struct {
	key [sha256.Size]byte
}

// NewHexEncoder creates a HexEncoder for the given secret
func NewHexEncoder(secret string) *HexEncoder {
	return &HexEncoder{key: sha256.Sum256([]byte(secret))}
}

func (e *HexEncoder) Encode(plain string) (string, error) {
	return hex.EncodeToString(e.xor([]byte(plain))), nil
}

func (e *HexEncoder) Decode(encoded string) (string, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return "", &InvalidIdentifierError{Value: encoded, Reason: "malformed encoded value"}
	}
	return string(e.xor(raw)), nil
}

func (e *HexEncoder) xor(in []byte) []byte {
	out := make([]byte, len(in))
	block := e.key
	for i := range in {
		if i > 0 && i%len(block) == 0 {
			block = sha256.Sum256(block[:])
		}
		out[i] = in[i] ^ block[i%len(block)]
	}
	return out
}
