package mirror

import (
	"fmt"
	"os"
	"path/filepath"
)

// SeedGitignore writes a .gitignore into the state directory so users can
// keep their mirrors under revision control without committing the ledger,
// the history database, or transient refresh staging. An existing file is
// left alone.
func SeedGitignore(stateDir, stateFile string) error {
	path := filepath.Join(stateDir, ".gitignore")
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("mirror: stat %s: %w", path, err)
	}

	contents := fmt.Sprintf(`%s
*.db
*.db-wal
*.db-shm
**/%s/
**/%s/
`, stateFile, BackupDirName, RemoteDirName)

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("mirror: mkdir %s: %w", stateDir, err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		return fmt.Errorf("mirror: write %s: %w", path, err)
	}
	return nil
}
