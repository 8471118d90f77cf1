// Package auth converts bearer credentials into trusted usernames and
// gates the login and recovery flows.
//
// The scheme is deliberately a shared secret: every valid account logs in
// with the same password, and the recovery gate reveals that same password.
// Per-user credentials are out of scope.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"board/internal/storage"
)

const (
	// TokenValidity is the lifetime of an issued bearer credential.
	TokenValidity = 30 * 24 * time.Hour

	// RecoveryAnswerCount is the number of answers a recovery attempt
	// must supply; RecoveryThreshold of them must match.
	RecoveryAnswerCount = 5
	RecoveryThreshold   = 3
)

var (
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrUnknownUser       = errors.New("unknown user")
	ErrWrongPassword     = errors.New("wrong password")
	ErrBadAnswerCount    = errors.New("wrong number of answers")
	ErrRecoveryFailed    = errors.New("not enough correct answers")
)

// Claims carries the single identity claim embedded in a credential.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
}

// Verifier validates and issues bearer credentials and runs the threshold
// recovery gate. It consults the users store only for existence checks;
// identity records themselves live outside this system.
type Verifier struct {
	secret         []byte
	sharedPassword string
	answerHashes   [RecoveryAnswerCount]string
	users          storage.UsersStore

	validity time.Duration
	now      func() time.Time
}

// NewVerifier builds a Verifier. answerHashes holds up to RecoveryAnswerCount
// bcrypt hashes of the reference recovery answers; empty slots are treated as
// unanswerable (skipped during recovery).
func NewVerifier(secret []byte, sharedPassword string, answerHashes []string, users storage.UsersStore) *Verifier {
	v := &Verifier{
		secret:         secret,
		sharedPassword: sharedPassword,
		users:          users,
		validity:       TokenValidity,
		now:            time.Now,
	}
	for i, h := range answerHashes {
		if i >= RecoveryAnswerCount {
			break
		}
		v.answerHashes[i] = strings.TrimSpace(h)
	}
	return v
}

// Verify checks a bearer credential and returns the username it embeds.
// It has no side effects.
func (v *Verifier) Verify(credential string) (string, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return "", ErrMissingCredential
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidCredential
	}
	if claims.Username == "" {
		return "", ErrInvalidCredential
	}
	return claims.Username, nil
}

// Issue authenticates the login flow and returns a signed credential.
// The username must exist and the password must equal the shared secret.
func (v *Verifier) Issue(ctx context.Context, username, password string) (string, error) {
	exists, err := v.users.Exists(ctx, username)
	if err != nil {
		return "", fmt.Errorf("check user: %w", err)
	}
	if !exists {
		return "", ErrUnknownUser
	}

	if v.sharedPassword == "" ||
		subtle.ConstantTimeCompare([]byte(password), []byte(v.sharedPassword)) != 1 {
		return "", ErrWrongPassword
	}

	now := v.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.validity)),
		},
		Username: username,
	})

	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign credential: %w", err)
	}
	return signed, nil
}

// Recover runs the threshold gate: each supplied answer is trimmed,
// lowercased and compared against the stored reference hash at the same
// position. Empty answers and empty reference slots are skipped entirely.
// At least RecoveryThreshold matches reveal the shared password.
func (v *Verifier) Recover(ctx context.Context, username string, answers []string) (string, error) {
	exists, err := v.users.Exists(ctx, username)
	if err != nil {
		return "", fmt.Errorf("check user: %w", err)
	}
	if !exists {
		return "", ErrUnknownUser
	}

	if len(answers) != RecoveryAnswerCount {
		return "", ErrBadAnswerCount
	}

	correct := 0
	for i, answer := range answers {
		answer = NormalizeAnswer(answer)
		if answer == "" || v.answerHashes[i] == "" {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(v.answerHashes[i]), []byte(answer)) == nil {
			correct++
		}
	}

	if correct < RecoveryThreshold {
		return "", ErrRecoveryFailed
	}
	return v.sharedPassword, nil
}

// NormalizeAnswer applies the comparison normalization used by the
// recovery gate: surrounding whitespace is ignored and matching is
// case-insensitive.
func NormalizeAnswer(answer string) string {
	return strings.ToLower(strings.TrimSpace(answer))
}

// HashAnswer produces a reference hash for a recovery answer, normalized
// the same way Recover normalizes submissions. Used by the operator CLI.
func HashAnswer(answer string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(NormalizeAnswer(answer)), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash answer: %w", err)
	}
	return string(h), nil
}
