package auth

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// UserRecord is one entry of the user database.
type UserRecord struct {
	Name     string `yaml:"name"`
	Password string `yaml:"password"`
}

type userFile struct {
	Users []UserRecord `yaml:"users"`
}

// LoadUsers reads the YAML user database:
//
//	users:
//	  - name: alice
//	    password: $argon2id$v=19$m=65536,t=3,p=2$...$...
func LoadUsers(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auth: read users: %w", err)
	}
	var f userFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("auth: parse users %s: %w", path, err)
	}
	users := make(map[string]string, len(f.Users))
	for _, u := range f.Users {
		if u.Name == "" {
			continue
		}
		users[u.Name] = u.Password
	}
	return users, nil
}

// SaveUsers writes records to path with owner-only permissions.
func SaveUsers(path string, records []UserRecord) error {
	data, err := yaml.Marshal(userFile{Users: records})
	if err != nil {
		return fmt.Errorf("auth: encode users: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("auth: write users: %w", err)
	}
	return nil
}
