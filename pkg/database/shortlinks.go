package database

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// =========================
// Short link storage helpers
// =========================

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
const defaultShortCodeLength = 8

// ErrInvalidTarget rejects share targets ShortLink will not store.
var ErrInvalidTarget = errors.New("invalid share target")

// IsLocalPath reports whether target is a path on this site: "/..." but
// not the scheme-relative "//host" or "/\\host".
func IsLocalPath(target string) bool {
	if !strings.HasPrefix(target, "/") || len(target) > 1 && (target[1] == '/' || target[1] == '\\') {
		return false
	}
	return !strings.ContainsAny(target, "\r\n")
}

// ShortLink returns the code for target, creating one on first use. The
// same target always maps to the same code. Only site-relative targets
// are stored.
func (db *Database) ShortLink(ctx context.Context, target string, now time.Time) (string, error) {
	if err := db.ready(); err != nil {
		return "", err
	}
	cleaned := strings.TrimSpace(target)
	if cleaned == "" || len(cleaned) > 4096 || !IsLocalPath(cleaned) {
		return "", ErrInvalidTarget
	}

	if existing, err := db.lookupShortLinkByTarget(ctx, cleaned); err != nil {
		return "", err
	} else if existing != "" {
		return existing, nil
	}

	const maxAttempts = 64
	for attempt := 0; attempt < maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		candidate, err := randomBase62String(defaultShortCodeLength)
		if err != nil {
			return "", err
		}
		if err := db.insertShortLink(ctx, candidate, cleaned, now); err != nil {
			if isUniqueConstraintError(err) {
				// Either the code collided or another request stored the
				// same target meanwhile.
				if existing, lerr := db.lookupShortLinkByTarget(ctx, cleaned); lerr == nil && existing != "" {
					return existing, nil
				}
				continue
			}
			return "", err
		}
		return candidate, nil
	}
	return "", fmt.Errorf("short link: exhausted %d attempts", maxAttempts)
}

// ResolveShortLink expands a code into the stored target; unknown codes
// return "".
func (db *Database) ResolveShortLink(ctx context.Context, code string) (string, error) {
	if err := db.ready(); err != nil {
		return "", err
	}
	trimmed := strings.TrimSpace(code)
	if !isBase62(trimmed) {
		return "", nil
	}
	var target string
	err := db.DB.GetContext(ctx, &target, db.DB.Rebind("SELECT target FROM short_links WHERE code = ?"), trimmed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve short link: %w", err)
	}
	return target, nil
}

func (db *Database) lookupShortLinkByTarget(ctx context.Context, target string) (string, error) {
	var code string
	err := db.DB.GetContext(ctx, &code, db.DB.Rebind("SELECT code FROM short_links WHERE target = ?"), target)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup short link: %w", err)
	}
	return code, nil
}

func (db *Database) insertShortLink(ctx context.Context, code, target string, now time.Time) error {
	_, err := db.DB.ExecContext(ctx,
		db.DB.Rebind("INSERT INTO short_links (id,code,target,created_at) VALUES (?,?,?,?)"),
		db.nextID(), code, target, now.Unix())
	return err
}

// randomBase62String draws secure random bytes and maps them to the base62
// alphabet. Bytes >= 248 are rejected so every character is equally likely.
func randomBase62String(length int) (string, error) {
	if length <= 0 {
		length = defaultShortCodeLength
	}
	buf := make([]byte, length)
	for i := 0; i < length; i++ {
		var b [1]byte
		for {
			if _, err := rand.Read(b[:]); err != nil {
				return "", err
			}
			v := int(b[0])
			if v < 62*4 {
				buf[i] = base62Alphabet[v%62]
				break
			}
		}
	}
	return string(buf), nil
}

func isBase62(code string) bool {
	if code == "" {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		default:
			return false
		}
	}
	return true
}

// isUniqueConstraintError normalizes driver-specific duplicate errors.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "constraint failed") ||
		strings.Contains(msg, "unique violation") ||
		strings.Contains(msg, "duplicate")
}
