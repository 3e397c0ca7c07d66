package signer

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mitchellh/go-homedir"
)

// KeyStore is a filesystem-backed seed store.
//
// Layout: <dir>/<name>/root.key and <dir>/<name>/roles/<role>.key, each a hex
// encoded 32 byte seed. The scheme is chosen when a key is loaded, so one
// seed can back both an Ed25519 and a Dilithium3 party.
type KeyStore struct {
	Directory string
}

type KeyEntry struct {
	Name  string
	Roles []string
}

func DefaultDirectory() (string, error) {
	return homedir.Expand("~/.audex/keys")
}

func OpenKeyStore(directory string) (*KeyStore, error) {
	if directory == "" {
		var err error
		directory, err = DefaultDirectory()
		if err != nil {
			return nil, err
		}
	}
	directory, err := homedir.Expand(directory)
	if err != nil {
		return nil, err
	}
	return &KeyStore{Directory: directory}, nil
}

func (ks *KeyStore) rootPath(name string) string {
	return filepath.Join(ks.Directory, name, "root.key")
}

func (ks *KeyStore) rolePath(name, role string) string {
	return filepath.Join(ks.Directory, name, "roles", role+".key")
}

func ParseSeedHex(seedHex string) ([]byte, error) {
	seedHex = strings.TrimSpace(seedHex)
	seedHex = strings.TrimPrefix(seedHex, "0x")
	data, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, err
	}
	if len(data) != ed25519.SeedSize {
		return nil, fmt.Errorf("expected seed length of %d bytes, got %d", ed25519.SeedSize, len(data))
	}
	return data, nil
}

func saveSeed(path string, seed []byte, overwrite bool) error {
	if len(seed) != ed25519.SeedSize {
		return fmt.Errorf("expected seed length of %d bytes", ed25519.SeedSize)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	flags := os.O_WRONLY | os.O_CREATE
	if overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}
	file, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return err
	}
	defer file.Close()
	if _, err := file.WriteString(hex.EncodeToString(seed) + "\n"); err != nil {
		return err
	}
	return file.Close()
}

func loadSeed(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSeedHex(string(data))
}

// Init stores seed as the root key of name and returns its key for scheme.
func (ks *KeyStore) Init(name string, seed []byte, scheme string, overwrite bool) (*Key, string, error) {
	if err := CheckKeyName(name); err != nil {
		return nil, "", err
	}
	k, err := NewKey(scheme, seed)
	if err != nil {
		return nil, "", err
	}
	path := ks.rootPath(name)
	if err := saveSeed(path, seed, overwrite); err != nil {
		return nil, "", err
	}
	return k, path, nil
}

// Derive stores the role subkey of name and returns its key for scheme.
func (ks *KeyStore) Derive(name, role, scheme string, overwrite bool) (*Key, string, error) {
	if err := CheckKeyName(name); err != nil {
		return nil, "", err
	}
	if err := CheckRole(role); err != nil {
		return nil, "", err
	}
	rootSeed, err := loadSeed(ks.rootPath(name))
	if err != nil {
		return nil, "", err
	}
	roleSeed, err := DeriveRoleSeed(rootSeed, role)
	if err != nil {
		return nil, "", err
	}
	k, err := NewKey(scheme, roleSeed)
	if err != nil {
		return nil, "", err
	}
	path := ks.rolePath(name, role)
	if err := saveSeed(path, roleSeed, overwrite); err != nil {
		return nil, "", err
	}
	return k, path, nil
}

// Load returns the key stored for name (and role, if set) under scheme.
func (ks *KeyStore) Load(name, role, scheme string) (*Key, error) {
	if err := CheckKeyName(name); err != nil {
		return nil, err
	}
	path := ks.rootPath(name)
	if role != "" {
		if err := CheckRole(role); err != nil {
			return nil, err
		}
		path = ks.rolePath(name, role)
	}
	seed, err := loadSeed(path)
	if err != nil {
		return nil, err
	}
	return NewKey(scheme, seed)
}

// LoadRef loads a key reference of the form "name" or "name/role", optionally
// prefixed with "<scheme>:". The scheme defaults to ed25519.
func (ks *KeyStore) LoadRef(ref string) (*Key, error) {
	if ref == "" {
		return nil, errors.New("empty key reference")
	}
	scheme := SchemeEd25519
	if s, rest, ok := strings.Cut(ref, ":"); ok {
		scheme, ref = s, rest
	}
	name, role, _ := strings.Cut(ref, "/")
	return ks.Load(name, role, scheme)
}

// Keyring loads every referenced key into a new Keyring.
func (ks *KeyStore) Keyring(refs ...string) (*Keyring, error) {
	kr := NewKeyring()
	for _, ref := range refs {
		k, err := ks.LoadRef(ref)
		if err != nil {
			return nil, fmt.Errorf("load key %q: %w", ref, err)
		}
		kr.Add(k)
	}
	return kr, nil
}

func (ks *KeyStore) List() ([]KeyEntry, error) {
	entries, err := os.ReadDir(ks.Directory)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var result []KeyEntry
	for _, name := range names {
		roleEntries, rerr := os.ReadDir(filepath.Join(ks.Directory, name, "roles"))
		var roles []string
		if rerr == nil {
			for _, re := range roleEntries {
				if !re.IsDir() && strings.HasSuffix(re.Name(), ".key") {
					roles = append(roles, strings.TrimSuffix(re.Name(), ".key"))
				}
			}
			sort.Strings(roles)
		}
		result = append(result, KeyEntry{Name: name, Roles: roles})
	}
	return result, nil
}
