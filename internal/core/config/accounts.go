package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/autofollow/internal/core/domain"
)

// Environment fallback for single-account setups.
const (
	EnvUsername = "AUTOFOLLOW_USERNAME"
	EnvPassword = "AUTOFOLLOW_PASSWORD"

	defaultAccountName = "default_account"
)

type accountsFile struct {
	Accounts []accountEntry `yaml:"accounts"`
}

type accountEntry struct {
	Name     string `yaml:"name"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	OrderID  string `yaml:"order_id"`
}

// LoadAccounts reads the accounts file (YAML or JSON). When the file does not
// exist it falls back to a single account from the environment. Order in the
// file is preserved.
func LoadAccounts(path string) ([]domain.Account, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return accountsFromEnv(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}

	var file accountsFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &file); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(file.Accounts))
	accounts := make([]domain.Account, 0, len(file.Accounts))
	for i, e := range file.Accounts {
		if e.Name == "" {
			e.Name = e.Username
		}
		if e.Name == "" || e.Username == "" || e.Password == "" {
			return nil, fmt.Errorf("account #%d: name, username and password are required", i+1)
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("account #%d: duplicate name %q", i+1, e.Name)
		}
		seen[e.Name] = true
		accounts = append(accounts, domain.Account{
			Name:     e.Name,
			Username: e.Username,
			Password: domain.Secret(e.Password),
			OrderID:  e.OrderID,
		})
	}
	return accounts, nil
}

func accountsFromEnv() []domain.Account {
	user, pass := os.Getenv(EnvUsername), os.Getenv(EnvPassword)
	if user == "" || pass == "" {
		return nil
	}
	return []domain.Account{{
		Name:     defaultAccountName,
		Username: user,
		Password: domain.Secret(pass),
	}}
}
