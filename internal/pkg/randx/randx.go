/*
Package randx mints the opaque identifiers used by the relay: session tokens,
user IDs and connection IDs.

Session tokens and connection IDs are UUID v4 strings; user IDs are short Base62
strings drawn from crypto/rand.
*/
package randx

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

const (
	// Base62Chars defines the character set used for Base62 encoding (0-9, A-Z, a-z).
	Base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

	// Base62Len is the total number of characters in the Base62 character set (62).
	Base62Len = int64(len(Base62Chars))

	// UserIDLength is the fixed length of a generated user ID.
	UserIDLength = 16
)

// SessionID returns a fresh session token.
func SessionID() string {
	return uuid.New().String()
}

// ConnectionID returns a fresh identifier for one transport-level connection.
func ConnectionID() string {
	return uuid.New().String()
}

// UserID generates a Base62 user identifier of UserIDLength characters.
func UserID() (string, error) {
	result := make([]byte, UserIDLength)

	for i := 0; i < UserIDLength; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(Base62Len))
		if err != nil {
			return "", fmt.Errorf("failed to generate random number for user id: %w", err)
		}

		result[i] = Base62Chars[num.Int64()]
	}

	return string(result), nil
}
