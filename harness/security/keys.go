// Package security produces the bearer tokens used against the managed
// nodes' HTTP APIs when a cluster runs in token-auth mode. Keys are ed25519;
// tokens are EdDSA-signed JWTs whose "scope" claim selects the API surface.
package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

type TokenScope string

const (
	ScopeAdmin          TokenScope = "admin"
	ScopePageserverAPI  TokenScope = "pageserverapi"
	ScopeGenerationsAPI TokenScope = "generations_api"
	ScopeSafekeeperData TokenScope = "safekeeperdata"
	ScopeTenant         TokenScope = "tenant"
)

const (
	PrivateKeyFilename = "auth_private_key.pem"
	PublicKeyFilename  = "auth_public_key.pem"
)

// AuthKeys holds the cluster's signing key, read from the repo dir after
// `pagectl init` generated it (or written by GenerateKeyPair for tests).
type AuthKeys struct {
	priv ed25519.PrivateKey
}

// LoadAuthKeys reads the private key PEM from a cluster working directory.
func LoadAuthKeys(repoDir string) (*AuthKeys, error) {
	data, err := os.ReadFile(filepath.Join(repoDir, PrivateKeyFilename))
	if err != nil {
		return nil, err
	}
	return ParseAuthKeys(data)
}

func ParseAuthKeys(privPEM []byte) (*AuthKeys, error) {
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, errors.New("no PEM block in private key")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "parse private key")
	}
	edKey, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("expected ed25519 private key, got %T", key)
	}
	return &AuthKeys{priv: edKey}, nil
}

// GenerateKeyPair writes a fresh ed25519 keypair into dir, mirroring what
// `pagectl init` does inside a cluster working directory.
func GenerateKeyPair(dir string) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return err
	}

	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	if err := os.WriteFile(filepath.Join(dir, PrivateKeyFilename), privPEM, 0o600); err != nil {
		return err
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return os.WriteFile(filepath.Join(dir, PublicKeyFilename), pubPEM, 0o644)
}

// GenerateToken signs a token for the given scope; extraClaims are stringly
// typed, matching what the server-side validators expect.
func (a *AuthKeys) GenerateToken(scope TokenScope, extraClaims map[string]string) (string, error) {
	claims := jwt.MapClaims{"scope": string(scope)}
	for k, v := range extraClaims {
		claims[k] = v
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(a.priv)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return signed, nil
}

func (a *AuthKeys) GeneratePageserverToken() (string, error) {
	return a.GenerateToken(ScopePageserverAPI, nil)
}

func (a *AuthKeys) GenerateSafekeeperToken() (string, error) {
	return a.GenerateToken(ScopeSafekeeperData, nil)
}

// GenerateTenantToken scopes access to a single tenant.
func (a *AuthKeys) GenerateTenantToken(tenantID string) (string, error) {
	return a.GenerateToken(ScopeTenant, map[string]string{"tenant_id": tenantID})
}

func (a *AuthKeys) GenerateAdminToken() (string, error) {
	return a.GenerateToken(ScopeAdmin, nil)
}

// Public returns the verification half, for test-side token validation.
func (a *AuthKeys) Public() ed25519.PublicKey {
	return a.priv.Public().(ed25519.PublicKey)
}
