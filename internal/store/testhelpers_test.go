package store

import "os"

func writeRaw(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}

func readRaw(path string) ([]byte, error) {
	return os.ReadFile(path)
}
