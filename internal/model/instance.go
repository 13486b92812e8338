package model

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
)

// uidFile persists the instance identity across restarts, as a single
// line of 32 hex digits under the working directory.
const uidFile = ".uid"

// masksFile is a newline-separated dictionary of human-friendly name
// tokens. The instance name is picked deterministically from it by uid.
const masksFile = "uid-masks"

// Instance is a process identity. Instances self-register in the shared
// registry with a heartbeat; the UID also serves as the claim-lock value
// so claim ownership is attributable.
type Instance struct {
	UID      string `msgpack:"uid" json:"uid"`
	Name     string `msgpack:"name" json:"name"`
	PID      int    `msgpack:"pid" json:"pid"`
	Hostname string `msgpack:"hostname" json:"hostname"`
	Mode     string `msgpack:"mode" json:"mode"` // "ingester" or "server"

	ResourceCount int       `msgpack:"resource_count" json:"resource_count"`
	StartedAt     time.Time `msgpack:"started_at" json:"started_at"`
	UpdatedAt     time.Time `msgpack:"updated_at" json:"updated_at"`
}

// LoadOrCreateInstance reads the instance UID from workdir/.uid, creating
// and persisting a fresh one when absent or malformed.
func LoadOrCreateInstance(workdir, mode string) (*Instance, error) {
	uid, err := loadUID(filepath.Join(workdir, uidFile))
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	now := time.Now().UTC()
	return &Instance{
		UID:       uid,
		Name:      instanceName(uid, filepath.Join(workdir, masksFile), nil),
		PID:       os.Getpid(),
		Hostname:  hostname,
		Mode:      mode,
		StartedAt: now,
		UpdatedAt: now,
	}, nil
}

func loadUID(path string) (string, error) {
	if raw, err := os.ReadFile(path); err == nil {
		uid := strings.TrimSpace(string(raw))
		if len(uid) == 32 && isHex(uid) {
			return uid, nil
		}
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate instance uid: %w", err)
	}
	uid := hex.EncodeToString(buf)
	if err := os.WriteFile(path, []byte(uid+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist instance uid: %w", err)
	}
	return uid, nil
}

func isHex(s string) bool {
	_, err := hex.DecodeString(s)
	return err == nil
}

// instanceName picks a human-friendly name from the uid-masks dictionary,
// indexed deterministically by the uid. When the dictionary is missing a
// generated pet name is used instead. taken marks names already claimed by
// other live instances; collisions get a Roman-numeral suffix (II, III...).
func instanceName(uid, masksPath string, taken map[string]bool) string {
	base := ""
	if masks := loadMasks(masksPath); len(masks) > 0 {
		if n, err := strconv.ParseUint(uid[:8], 16, 64); err == nil {
			base = masks[int(n%uint64(len(masks)))]
		}
	}
	if base == "" {
		base = petname.Generate(2, "-")
	}

	if !taken[base] {
		return base
	}
	for gen := 2; ; gen++ {
		candidate := base + " " + roman(gen)
		if !taken[candidate] {
			return candidate
		}
	}
}

// WithSuffix resolves name collisions against the given set of live
// instance names, reusing the deterministic base name.
func (in *Instance) WithSuffix(taken map[string]bool) {
	if !taken[in.Name] {
		return
	}
	base := in.Name
	for gen := 2; ; gen++ {
		candidate := base + " " + roman(gen)
		if !taken[candidate] {
			in.Name = candidate
			return
		}
	}
}

func loadMasks(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var masks []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			masks = append(masks, line)
		}
	}
	return masks
}

var romanValues = []struct {
	value  int
	symbol string
}{
	{1000, "M"}, {900, "CM"}, {500, "D"}, {400, "CD"},
	{100, "C"}, {90, "XC"}, {50, "L"}, {40, "XL"},
	{10, "X"}, {9, "IX"}, {5, "V"}, {4, "IV"}, {1, "I"},
}

func roman(n int) string {
	var b strings.Builder
	for _, rv := range romanValues {
		for n >= rv.value {
			b.WriteString(rv.symbol)
			n -= rv.value
		}
	}
	return b.String()
}
