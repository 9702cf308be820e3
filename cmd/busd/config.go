// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"github.com/BurntSushi/toml"
)

// Config is busd's on-disk configuration, loaded with BurntSushi/toml the
// way katzenpost's daemons load theirs.
type Config struct {
	Listen struct {
		Address string `toml:"address"` // e.g. "unix:path=/tmp/busd.sock"
	} `toml:"listen"`

	Budgets struct {
		ReadBytesPerIteration  int `toml:"read_bytes_per_iteration"`
		WriteBytesPerIteration int `toml:"write_bytes_per_iteration"`
		MaxLiveMessagesSize    int `toml:"max_live_messages_size"`
		MaxMessageBytes        int `toml:"max_message_bytes"` // 0 means unlimited; a single message's own size ceiling, independent of the live-messages backpressure budget above
	} `toml:"budgets"`

	Auth struct {
		// Mechanisms is the allow-list of mechanism names offered to
		// clients, in priority order. Recognized: "EXTERNAL",
		// "DBUS_COOKIE_SHA1", "ANONYMOUS".
		Mechanisms []string `toml:"mechanisms"`
	} `toml:"auth"`
}

func defaultConfig() Config {
	var c Config
	c.Listen.Address = "unix:abstract=hybscloud-busd"
	c.Budgets.ReadBytesPerIteration = 2048
	c.Budgets.WriteBytesPerIteration = 2048
	c.Budgets.MaxLiveMessagesSize = 64 * 1024 * 1024
	c.Budgets.MaxMessageBytes = 0
	c.Auth.Mechanisms = []string{"EXTERNAL", "ANONYMOUS"}
	return c
}

func loadConfig(path string) (Config, error) {
	c := defaultConfig()
	if path == "" {
		return c, nil
	}
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return Config{}, err
	}
	return c, nil
}
