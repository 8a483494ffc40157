package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/p-n-ai/pai-quiz/internal/tutorapi"
)

const (
	keyPrefix  = "pai:cred:"
	nonceSize  = 24
	redisTimer = 3 * time.Second
)

// Sealer encrypts credentials at rest with a key derived from a configured secret.
type Sealer struct {
	key [32]byte
}

// NewSealer derives the sealing key from secret.
func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, fmt.Errorf("credential secret is empty")
	}
	s := &Sealer{}
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("pai-quiz credentials v1"))
	if _, err := io.ReadFull(kdf, s.key[:]); err != nil {
		return nil, fmt.Errorf("derive credential key: %w", err)
	}
	return s, nil
}

// Seal encrypts plaintext; the random nonce is prepended to the output.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.key), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("sealed value too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	out, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, fmt.Errorf("credential authentication failed")
	}
	return out, nil
}

// RedisStore keeps sealed token pairs in Redis with a TTL.
type RedisStore struct {
	client *redis.Client
	sealer *Sealer
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed credential store. A zero ttl keeps entries until logout.
func NewRedisStore(client *redis.Client, sealer *Sealer, ttl time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	if sealer == nil {
		return nil, fmt.Errorf("sealer is nil")
	}
	return &RedisStore{client: client, sealer: sealer, ttl: ttl}, nil
}

func (s *RedisStore) Get(ctx context.Context, userID string) (tutorapi.TokenPair, error) {
	ctx, cancel := context.WithTimeout(ctx, redisTimer)
	defer cancel()

	raw, err := s.client.Get(ctx, keyPrefix+userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return tutorapi.TokenPair{}, fmt.Errorf("%w: %s", ErrNoCredentials, userID)
	}
	if err != nil {
		return tutorapi.TokenPair{}, fmt.Errorf("get credentials: %w", err)
	}
	return s.decode(raw)
}

func (s *RedisStore) Put(ctx context.Context, userID string, tokens tutorapi.TokenPair) error {
	if userID == "" {
		return fmt.Errorf("user_id is required")
	}
	raw, err := s.encode(tokens)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, redisTimer)
	defer cancel()
	if err := s.client.Set(ctx, keyPrefix+userID, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, redisTimer)
	defer cancel()
	if err := s.client.Del(ctx, keyPrefix+userID).Err(); err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	return nil
}

func (s *RedisStore) encode(tokens tutorapi.TokenPair) ([]byte, error) {
	plain, err := json.Marshal(tokens)
	if err != nil {
		return nil, fmt.Errorf("marshal credentials: %w", err)
	}
	return s.sealer.Seal(plain)
}

func (s *RedisStore) decode(raw []byte) (tutorapi.TokenPair, error) {
	plain, err := s.sealer.Open(raw)
	if err != nil {
		return tutorapi.TokenPair{}, fmt.Errorf("open credentials: %w", err)
	}
	var tokens tutorapi.TokenPair
	if err := json.Unmarshal(plain, &tokens); err != nil {
		return tutorapi.TokenPair{}, fmt.Errorf("parse credentials: %w", err)
	}
	return tokens, nil
}
