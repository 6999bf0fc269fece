package client

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// State is what the agent remembers across restarts.
type State struct {
	HardwareID        string `yaml:"hardware_id"`
	AgentID           int64  `yaml:"agent_id,omitempty"`
	AdminPasswordHash string `yaml:"admin_password_hash,omitempty"`
}

// StateFile persists State as YAML. A zero path keeps state in memory only.
type StateFile struct {
	path  string
	mu    sync.Mutex
	state State
}

// LoadState reads the state file at path. A missing file yields empty state.
func LoadState(path string) (*StateFile, error) {
	sf := &StateFile{path: path}
	if path == "" {
		return sf, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return sf, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	if err := yaml.Unmarshal(data, &sf.state); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	return sf, nil
}

func (sf *StateFile) Get() State {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.state
}

// Update applies fn and writes the result.
func (sf *StateFile) Update(fn func(*State)) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	fn(&sf.state)
	if sf.path == "" {
		return nil
	}

	data, err := yaml.Marshal(sf.state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	comment := "# Agent state, updated " + time.Now().Format(time.RFC3339) + "\n"

	if dir := filepath.Dir(sf.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	if err := os.WriteFile(sf.path, []byte(comment+string(data)), 0o600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

// VerifyAdminPassword checks password against the last credential hash pushed
// by the coordinator, so the lock screen can be lifted while offline.
func (sf *StateFile) VerifyAdminPassword(password string) bool {
	hash := sf.Get().AdminPasswordHash
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ResolveHardwareID picks the agent's stable identity: the configured value,
// then the persisted one, then the first hardware address, then a new uuid.
// The result is persisted.
func ResolveHardwareID(configured string, sf *StateFile) (string, error) {
	id := configured
	if id == "" {
		id = sf.Get().HardwareID
	}
	if id == "" {
		id = firstMACAddress()
	}
	if id == "" {
		id = uuid.New().String()
	}

	if sf.Get().HardwareID != id {
		if err := sf.Update(func(s *State) { s.HardwareID = id }); err != nil {
			return id, err
		}
	}
	return id, nil
}

func firstMACAddress() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return ""
}

// LocalAddresses returns the first non-loopback IPv4 address and hardware
// address of this machine, empty when none is found.
func LocalAddresses() (ip, mac string) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			return ipNet.IP.String(), iface.HardwareAddr.String()
		}
	}
	return "", firstMACAddress()
}
