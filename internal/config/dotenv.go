package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads .env.local and .env from each dir and then the working
// directory. Variables already set are never overwritten, so the first
// file defining a key wins.
func LoadDotEnv(dirs ...string) error {
	seen := make(map[string]bool)
	for _, dir := range append(dirs, ".") {
		for _, name := range []string{".env.local", ".env"} {
			path, err := filepath.Abs(filepath.Join(dir, name))
			if err != nil || seen[path] {
				continue
			}
			seen[path] = true
			if err := loadIfExists(path); err != nil {
				return err
			}
		}
	}
	return nil
}

func loadIfExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}
