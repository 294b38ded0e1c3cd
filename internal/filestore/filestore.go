// Package filestore keeps the bridge's file-side state: the
// social-recovery bundle (backup.fedi), the recovery verification document
// (verification.mp4), and on-demand per-federation database dumps
// (db-<id>.dump), kept in an S3-compatible object store via minio-go. The
// recovery bundle is sealed under a passphrase-derived key before upload so
// the object store never holds plaintext key material.
package filestore

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/alexedwards/argon2id"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/fedixyz/fedi-sub003/internal/apperror"
)

// Well-known object names.
const (
	ObjectSocialRecoveryBackup = "backup.fedi"
	ObjectVerificationDocument = "verification.mp4"
)

// DBDumpObject names a per-federation database dump.
func DBDumpObject(federationID string) string {
	return fmt.Sprintf("db-%s.dump", federationID)
}

// Config carries the S3 connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Store is an S3-backed file store scoped to a single bucket.
type Store struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// New connects to the object store and ensures the bucket exists.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to object store: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", cfg.Bucket, err)
		}
	}

	logger.Info("file store ready", slog.String("endpoint", cfg.Endpoint), slog.String("bucket", cfg.Bucket))
	return &Store{client: client, bucket: cfg.Bucket, logger: logger}, nil
}

// Put uploads data under name, overwriting any previous object.
func (s *Store) Put(ctx context.Context, name string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", name, err)
	}
	return nil
}

// Get downloads the full contents of name.
func (s *Store) Get(ctx context.Context, name string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", name, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return data, nil
}

// Remove deletes name; removing an absent object is a no-op.
func (s *Store) Remove(ctx context.Context, name string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("removing %s: %w", name, err)
	}
	return nil
}

// Sealed-bundle format: magic, argon2id verification hash (length-prefixed),
// KDF salt, secretbox nonce, ciphertext. The verification hash lets a wrong
// passphrase be distinguished from a corrupt file before the expensive
// decrypt attempt.
var bundleMagic = []byte("FEDIBK1")

const (
	bundleSaltSize  = 16
	bundleNonceSize = 24

	kdfTime    = 3
	kdfMemory  = 64 * 1024
	kdfThreads = 4
	kdfKeyLen  = 32
)

// SealRecoveryBundle encrypts plaintext under a key derived from passphrase,
// producing the byte stream stored as backup.fedi.
func SealRecoveryBundle(passphrase string, plaintext []byte) ([]byte, error) {
	hash, err := argon2id.CreateHash(passphrase, argon2id.DefaultParams)
	if err != nil {
		return nil, fmt.Errorf("hashing recovery passphrase: %w", err)
	}

	var salt [bundleSaltSize]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, fmt.Errorf("generating bundle salt: %w", err)
	}
	var nonce [bundleNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generating bundle nonce: %w", err)
	}

	var key [kdfKeyLen]byte
	copy(key[:], argon2.IDKey([]byte(passphrase), salt[:], kdfTime, kdfMemory, kdfThreads, kdfKeyLen))

	out := append([]byte{}, bundleMagic...)
	hashBytes := []byte(hash)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(hashBytes)))
	out = append(out, lenBuf[:]...)
	out = append(out, hashBytes...)
	out = append(out, salt[:]...)
	out = secretbox.Seal(append(out, nonce[:]...), plaintext, &nonce, &key)
	return out, nil
}

// OpenRecoveryBundle reverses SealRecoveryBundle. A malformed stream returns
// InvalidSocialRecoveryFile; a wrong passphrase returns BadRequest so the UI
// can prompt again instead of treating the file as unusable.
func OpenRecoveryBundle(passphrase string, sealed []byte) ([]byte, error) {
	rest := sealed
	if len(rest) < len(bundleMagic)+2 || !bytes.Equal(rest[:len(bundleMagic)], bundleMagic) {
		return nil, apperror.New(apperror.InvalidSocialRecoveryFile, "not a recovery bundle")
	}
	rest = rest[len(bundleMagic):]

	hashLen := int(binary.BigEndian.Uint16(rest[:2]))
	rest = rest[2:]
	if len(rest) < hashLen+bundleSaltSize+bundleNonceSize {
		return nil, apperror.New(apperror.InvalidSocialRecoveryFile, "truncated recovery bundle")
	}
	hash := string(rest[:hashLen])
	rest = rest[hashLen:]

	match, err := argon2id.ComparePasswordAndHash(passphrase, hash)
	if err != nil {
		return nil, apperror.Wrap(apperror.InvalidSocialRecoveryFile, err)
	}
	if !match {
		return nil, apperror.New(apperror.BadRequest, "recovery passphrase does not match")
	}

	var salt [bundleSaltSize]byte
	copy(salt[:], rest[:bundleSaltSize])
	rest = rest[bundleSaltSize:]
	var nonce [bundleNonceSize]byte
	copy(nonce[:], rest[:bundleNonceSize])
	rest = rest[bundleNonceSize:]

	var key [kdfKeyLen]byte
	copy(key[:], argon2.IDKey([]byte(passphrase), salt[:], kdfTime, kdfMemory, kdfThreads, kdfKeyLen))

	plain, ok := secretbox.Open(nil, rest, &nonce, &key)
	if !ok {
		return nil, apperror.New(apperror.InvalidSocialRecoveryFile, "recovery bundle failed authentication")
	}
	return plain, nil
}
