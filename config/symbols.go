package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SymbolEntry is one tradable instrument known to the static symbol
// reference.
type SymbolEntry struct {
	Symbol   string  `yaml:"symbol"`
	Exchange string  `yaml:"exchange"`
	Name     string  `yaml:"name"`
	Token    string  `yaml:"token"`
	LotSize  float64 `yaml:"lot_size"`
	TickSize float64 `yaml:"tick_size"`
}

// SymbolFile is the layout of a standalone symbols file.
type SymbolFile struct {
	Symbols []SymbolEntry `yaml:"symbols"`
}

// LoadSymbolFile loads symbol entries from the given path.
func LoadSymbolFile(path string) ([]SymbolEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read symbols file: %w", err)
	}
	var file SymbolFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse symbols file: %w", err)
	}
	for i, s := range file.Symbols {
		if s.Symbol == "" || s.Exchange == "" {
			return nil, fmt.Errorf("symbols[%d] requires symbol and exchange", i)
		}
	}
	return file.Symbols, nil
}
