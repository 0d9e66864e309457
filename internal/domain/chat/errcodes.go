package chat

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed errcodes.yaml
var errcodeYAML []byte

// rawVerbatimCode is surfaced with the raw server message instead of a
// table lookup.
const rawVerbatimCode = 500

type errcodeTable struct {
	Codes   map[int]string `yaml:"codes"`
	Unknown string         `yaml:"unknown"`
}

var (
	errcodesOnce sync.Once
	errcodes     errcodeTable
)

func loadErrcodes() errcodeTable {
	errcodesOnce.Do(func() {
		if err := yaml.Unmarshal(errcodeYAML, &errcodes); err != nil {
			// The table is embedded; a parse failure is a packaging bug.
			panic(fmt.Sprintf("chat: embedded errcodes.yaml is invalid: %v", err))
		}
	})
	return errcodes
}

// Localize resolves the error to its user-facing string. Unmapped codes
// fall back to the generic unknown-error string; code 500 carries the
// server message verbatim.
func (e *AppError) Localize() string {
	if e.Code == rawVerbatimCode {
		return e.Reason
	}
	t := loadErrcodes()
	if s, ok := t.Codes[e.Code]; ok {
		return s
	}
	return t.Unknown
}

// Error implements the error interface with the raw code and reason;
// user-facing text comes from Localize.
func (e *AppError) Error() string {
	return fmt.Sprintf("flow error %d: %s", e.Code, e.Reason)
}
