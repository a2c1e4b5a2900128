package store

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// ReadAppConfig reads the global registry at <app-config-dir>/config.json.
// A missing file is not an error: it returns a fresh, empty AppConfig, since
// this is the state before the very first project is ever registered.
func (s *Store) ReadAppConfig(appConfigDir string) (*AppConfig, Version, error) {
	path := filepath.Join(appConfigDir, "config.json")
	data, ver, err := s.readFile(path)
	if err != nil {
		if se, ok := err.(*Error); ok && se.Kind == KindIO && os.IsNotExist(se.Err) {
			return &AppConfig{}, noVersion, nil
		}
		return nil, noVersion, err
	}
	var cfg AppConfig
	if uerr := json.Unmarshal(data, &cfg); uerr != nil {
		return nil, noVersion, corruptErr(path, data, uerr)
	}
	return &cfg, ver, nil
}

func (s *Store) WriteAppConfig(appConfigDir string, cfg *AppConfig, expected Version) (Version, error) {
	path := filepath.Join(appConfigDir, "config.json")
	data, err := marshalEntity(cfg)
	if err != nil {
		return noVersion, err
	}
	data, err = prettyPrint(data)
	if err != nil {
		return noVersion, err
	}
	return s.writeFileAtomic(path, data, expected)
}
