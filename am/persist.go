package am

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/hub/errors"
	"github.com/teranos/hub/logger"
)

// createBackup creates rotating backups (.back1, .back2, .back3) before modifying config
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil
	}

	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		logger.Warnw("Failed to delete old config backup",
			"path", back3,
			"error", err)
	}

	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}

	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}

	if err := os.WriteFile(back1, content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}

	return nil
}

// loadOrInitialize reads a toml file into a generic map, or returns an empty
// map if the file does not exist yet
func loadOrInitialize(configPath string) (map[string]interface{}, error) {
	if err := os.MkdirAll(filepath.Dir(configPath), 0750); err != nil {
		return nil, errors.Wrap(err, "failed to create config directory")
	}

	config := make(map[string]interface{})
	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return config, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", configPath)
	}
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", configPath)
	}
	return config, nil
}

// save writes config to configPath with backup
func save(config map[string]interface{}, configPath string) error {
	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	data, err := toml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	if err := os.WriteFile(configPath, data, DefaultFilePermissions); err != nil {
		return errors.Wrapf(err, "failed to write %s", configPath)
	}
	return nil
}

// syncSection returns config["sync"], creating it when absent
func syncSection(config map[string]interface{}) map[string]interface{} {
	if s, ok := config["sync"].(map[string]interface{}); ok {
		return s
	}
	s := make(map[string]interface{})
	config["sync"] = s
	return s
}

// peersSection returns config["sync"]["peers"], creating it when absent
func peersSection(config map[string]interface{}) map[string]interface{} {
	s := syncSection(config)
	if p, ok := s["peers"].(map[string]interface{}); ok {
		return p
	}
	p := make(map[string]interface{})
	s["peers"] = p
	return p
}

// AddPeer records a named sync peer in the config file at configPath
func AddPeer(configPath, name, addr string) error {
	if name == "" || addr == "" {
		return errors.New("peer name and address are required")
	}
	config, err := loadOrInitialize(configPath)
	if err != nil {
		return err
	}
	peersSection(config)[name] = addr
	return save(config, configPath)
}

// RemovePeer deletes a named sync peer from the config file at configPath
func RemovePeer(configPath, name string) error {
	config, err := loadOrInitialize(configPath)
	if err != nil {
		return err
	}
	peers := peersSection(config)
	if _, ok := peers[name]; !ok {
		return errors.NewNotFoundError("peer %q not configured in %s", name, configPath)
	}
	delete(peers, name)
	return save(config, configPath)
}

// PeerNames returns the configured peer names, sorted
func (c SyncConfig) PeerNames() []string {
	names := make([]string, 0, len(c.Peers))
	for name := range c.Peers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
