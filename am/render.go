package am

import (
	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/reportd/errors"
)

// MarshalTOML renders the configuration as TOML with secrets redacted.
func (c Config) MarshalTOML() ([]byte, error) {
	out, err := toml.Marshal(c.Redacted())
	if err != nil {
		return nil, errors.Wrap(err, "marshal config")
	}
	return out, nil
}
