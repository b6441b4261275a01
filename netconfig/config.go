// Package netconfig parses consensus network configuration files and
// computes fork digests from them.
//
// The discovery node itself is chain-agnostic; this package exists so
// the admission filter and the local record's eth2 entry can track the
// network's fork schedule.
package netconfig

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"time"

	dynssz "github.com/pk910/dynamic-ssz"
	"gopkg.in/yaml.v3"
)

// FarFutureEpoch marks forks without a scheduled activation.
const FarFutureEpoch = math.MaxUint64

// ForkDigest is a 4-byte network and fork identifier.
type ForkDigest [4]byte

// String returns the digest in hex.
func (fd ForkDigest) String() string {
	return hex.EncodeToString(fd[:])
}

// BlobScheduleEntry is a blob parameter change at an epoch. Entries
// past the Fulu activation alter the fork digest.
type BlobScheduleEntry struct {
	Epoch            uint64 `yaml:"EPOCH"`
	MaxBlobsPerBlock uint64 `yaml:"MAX_BLOBS_PER_BLOCK"`
}

// Config is a consensus layer network configuration, the subset of the
// standard config file the discovery node needs.
type Config struct {
	ConfigName string `yaml:"CONFIG_NAME"`
	PresetBase string `yaml:"PRESET_BASE"`

	MinGenesisTime     uint64 `yaml:"MIN_GENESIS_TIME"`
	GenesisDelay       uint64 `yaml:"GENESIS_DELAY"`
	GenesisForkVersion string `yaml:"GENESIS_FORK_VERSION"`

	AltairForkVersion    string `yaml:"ALTAIR_FORK_VERSION"`
	BellatrixForkVersion string `yaml:"BELLATRIX_FORK_VERSION"`
	CapellaForkVersion   string `yaml:"CAPELLA_FORK_VERSION"`
	DenebForkVersion     string `yaml:"DENEB_FORK_VERSION"`
	ElectraForkVersion   string `yaml:"ELECTRA_FORK_VERSION"`
	FuluForkVersion      string `yaml:"FULU_FORK_VERSION"`

	AltairForkEpoch    *uint64 `yaml:"ALTAIR_FORK_EPOCH"`
	BellatrixForkEpoch *uint64 `yaml:"BELLATRIX_FORK_EPOCH"`
	CapellaForkEpoch   *uint64 `yaml:"CAPELLA_FORK_EPOCH"`
	DenebForkEpoch     *uint64 `yaml:"DENEB_FORK_EPOCH"`
	ElectraForkEpoch   *uint64 `yaml:"ELECTRA_FORK_EPOCH"`
	FuluForkEpoch      *uint64 `yaml:"FULU_FORK_EPOCH"`

	MaxBlobsPerBlockElectra uint64              `yaml:"MAX_BLOBS_PER_BLOCK_ELECTRA"`
	BlobSchedule            []BlobScheduleEntry `yaml:"BLOB_SCHEDULE"`

	SecondsPerSlot uint64 `yaml:"SECONDS_PER_SLOT"`

	// forkVersions is parsed from the hex version fields above; the
	// genesis values are set through SetGenesisTime and
	// SetGenesisValidatorsRoot
	customGenesisTime     uint64
	genesisValidatorsRoot [32]byte
	forkVersions          map[string][4]byte
}

// forkName with its version and epoch, oldest first.
type fork struct {
	name    string
	version [4]byte
	epoch   *uint64
}

// Load reads and parses a network configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("netconfig: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse parses a network configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("netconfig: parse: %w", err)
	}
	if err := cfg.parseForkVersions(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) parseForkVersions() error {
	c.forkVersions = make(map[string][4]byte)

	versions := map[string]string{
		"genesis":   c.GenesisForkVersion,
		"altair":    c.AltairForkVersion,
		"bellatrix": c.BellatrixForkVersion,
		"capella":   c.CapellaForkVersion,
		"deneb":     c.DenebForkVersion,
		"electra":   c.ElectraForkVersion,
		"fulu":      c.FuluForkVersion,
	}
	for name, hexVersion := range versions {
		if hexVersion == "" {
			if name == "genesis" {
				return fmt.Errorf("netconfig: missing genesis fork version")
			}
			continue
		}
		version, err := hexToBytes4(hexVersion)
		if err != nil {
			return fmt.Errorf("netconfig: invalid %s fork version: %w", name, err)
		}
		c.forkVersions[name] = version
	}
	return nil
}

// forkSchedule returns the scheduled forks, oldest first. Genesis is
// always present.
func (c *Config) forkSchedule() []fork {
	zero := uint64(0)
	forks := []fork{{name: "phase0", version: c.forkVersions["genesis"], epoch: &zero}}

	add := func(name string, epoch *uint64) {
		version, ok := c.forkVersions[name]
		if !ok || epoch == nil {
			return
		}
		forks = append(forks, fork{name: name, version: version, epoch: epoch})
	}
	add("altair", c.AltairForkEpoch)
	add("bellatrix", c.BellatrixForkEpoch)
	add("capella", c.CapellaForkEpoch)
	add("deneb", c.DenebForkEpoch)
	add("electra", c.ElectraForkEpoch)
	add("fulu", c.FuluForkEpoch)
	return forks
}

// SetGenesisValidatorsRoot sets the genesis validators root, which the
// config file does not carry.
func (c *Config) SetGenesisValidatorsRoot(hexRoot string) error {
	root, err := hexToBytes32(hexRoot)
	if err != nil {
		return fmt.Errorf("netconfig: invalid genesis validators root: %w", err)
	}
	c.genesisValidatorsRoot = root
	return nil
}

// SetGenesisTime overrides the genesis time derived from the config.
func (c *Config) SetGenesisTime(unixTime uint64) {
	c.customGenesisTime = unixTime
}

// GenesisTime returns the genesis time, 0 when unknown.
func (c *Config) GenesisTime() uint64 {
	if c.customGenesisTime != 0 {
		return c.customGenesisTime
	}
	if c.MinGenesisTime == 0 {
		return 0
	}
	return c.MinGenesisTime + c.GenesisDelay
}

// ForkVersionAtEpoch returns the active fork version at an epoch.
func (c *Config) ForkVersionAtEpoch(epoch uint64) [4]byte {
	forks := c.forkSchedule()
	version := forks[0].version
	for _, f := range forks[1:] {
		if epoch >= *f.epoch {
			version = f.version
		}
	}
	return version
}

// ForkNameAtEpoch returns the active fork name at an epoch.
func (c *Config) ForkNameAtEpoch(epoch uint64) string {
	forks := c.forkSchedule()
	name := forks[0].name
	for _, f := range forks[1:] {
		if epoch >= *f.epoch {
			name = f.name
		}
	}
	return name
}

// blobParamsAtEpoch returns the blob schedule entry active at an epoch,
// nil before Fulu.
func (c *Config) blobParamsAtEpoch(epoch uint64) *BlobScheduleEntry {
	if c.FuluForkEpoch == nil || epoch < *c.FuluForkEpoch {
		return nil
	}

	var current *BlobScheduleEntry
	if c.ElectraForkEpoch != nil {
		current = &BlobScheduleEntry{
			Epoch:            *c.ElectraForkEpoch,
			MaxBlobsPerBlock: c.MaxBlobsPerBlockElectra,
		}
	}
	for i := range c.BlobSchedule {
		if c.BlobSchedule[i].Epoch <= epoch {
			current = &c.BlobSchedule[i]
		} else {
			break
		}
	}
	return current
}

// forkData is the SSZ container whose hash tree root seeds the digest.
type forkData struct {
	CurrentVersion        [4]byte  `ssz-size:"4"`
	GenesisValidatorsRoot [32]byte `ssz-size:"32"`
}

// ComputeForkDigest computes the digest for a fork version, optionally
// mixed with blob parameters (Fulu and later).
func (c *Config) ComputeForkDigest(forkVersion [4]byte, blobParams *BlobScheduleEntry) ForkDigest {
	ds := dynssz.NewDynSsz(nil)
	root, err := ds.HashTreeRoot(&forkData{
		CurrentVersion:        forkVersion,
		GenesisValidatorsRoot: c.genesisValidatorsRoot,
	})
	if err != nil {
		return ForkDigest{}
	}

	var digest ForkDigest
	copy(digest[:], root[:4])

	if blobParams != nil {
		params := make([]byte, 16)
		binary.LittleEndian.PutUint64(params[0:8], blobParams.Epoch)
		binary.LittleEndian.PutUint64(params[8:16], blobParams.MaxBlobsPerBlock)
		paramHash := sha256.Sum256(params)
		for i := 0; i < 4; i++ {
			digest[i] ^= paramHash[i]
		}
	}
	return digest
}

// ForkDigestAtEpoch computes the fork digest active at an epoch.
func (c *Config) ForkDigestAtEpoch(epoch uint64) ForkDigest {
	return c.ComputeForkDigest(c.ForkVersionAtEpoch(epoch), c.blobParamsAtEpoch(epoch))
}

// CurrentForkDigest returns the digest for the wall-clock epoch. When
// no genesis time is known it falls back to the newest scheduled fork.
func (c *Config) CurrentForkDigest() ForkDigest {
	genesisTime := c.GenesisTime()
	if genesisTime == 0 {
		return c.latestScheduledForkDigest()
	}
	return c.ForkDigestAtEpoch(uint64(c.CurrentEpoch(time.Now())))
}

func (c *Config) latestScheduledForkDigest() ForkDigest {
	forks := c.forkSchedule()
	version := forks[0].version
	for _, f := range forks[1:] {
		if *f.epoch != FarFutureEpoch {
			version = f.version
		}
	}
	return c.ComputeForkDigest(version, nil)
}

// SlotsPerEpoch returns the epoch length for the configured preset.
func (c *Config) SlotsPerEpoch() uint64 {
	if c.PresetBase == "minimal" {
		return 8
	}
	return 32
}

// CurrentEpoch computes the epoch at the given wall-clock time.
func (c *Config) CurrentEpoch(now time.Time) uint64 {
	genesisTime := c.GenesisTime()
	currentTime := uint64(now.Unix())
	if currentTime < genesisTime || genesisTime == 0 {
		return 0
	}

	secondsPerSlot := c.SecondsPerSlot
	if secondsPerSlot == 0 {
		secondsPerSlot = 12
	}
	return (currentTime - genesisTime) / secondsPerSlot / c.SlotsPerEpoch()
}

// DigestInfo describes one possible digest of the network.
type DigestInfo struct {
	Digest      ForkDigest
	Name        string
	Epoch       uint64
	ForkVersion [4]byte
	BlobParams  *BlobScheduleEntry
}

// AllForkDigests returns every digest the network has used or has
// scheduled, including blob parameter variants.
func (c *Config) AllForkDigests() []DigestInfo {
	var infos []DigestInfo
	for _, f := range c.forkSchedule() {
		infos = append(infos, DigestInfo{
			Digest:      c.ComputeForkDigest(f.version, nil),
			Name:        f.name,
			Epoch:       *f.epoch,
			ForkVersion: f.version,
		})
	}

	if c.FuluForkEpoch != nil {
		fuluVersion := c.forkVersions["fulu"]
		for i := range c.BlobSchedule {
			entry := c.BlobSchedule[i]
			if entry.Epoch < *c.FuluForkEpoch {
				continue
			}
			infos = append(infos, DigestInfo{
				Digest:      c.ComputeForkDigest(fuluVersion, &entry),
				Name:        fmt.Sprintf("bpo-%d", i+1),
				Epoch:       entry.Epoch,
				ForkVersion: fuluVersion,
				BlobParams:  &entry,
			})
		}
	}
	return infos
}

func hexToBytes32(s string) ([32]byte, error) {
	var result [32]byte
	b, err := decodeHex(s, 32)
	if err != nil {
		return result, err
	}
	copy(result[:], b)
	return result, nil
}

func hexToBytes4(s string) ([4]byte, error) {
	var result [4]byte
	b, err := decodeHex(s, 4)
	if err != nil {
		return result, err
	}
	copy(result[:], b)
	return result, nil
}

func decodeHex(s string, want int) ([]byte, error) {
	if len(s) >= 2 && s[0:2] == "0x" {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != want {
		return nil, fmt.Errorf("expected %d bytes, got %d", want, len(b))
	}
	return b, nil
}
