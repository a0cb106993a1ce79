package contract

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"donationsync/internal/model"
)

//go:embed Donation.json
var defaultArtifactJSON []byte

var requiredMethods = []string{"owner", "adminFee", "refundOk", "getBalance"}

// Artifact is the Truffle-style build output describing the contract.
type Artifact struct {
	ContractName string                `json:"contractName"`
	ABI          json.RawMessage       `json:"abi"`
	Networks     map[string]Deployment `json:"networks"`
}

// Deployment is the per-network deployment record of an artifact.
type Deployment struct {
	Address         string `json:"address"`
	TransactionHash string `json:"transactionHash,omitempty"`
}

// Schema is one version of an event's argument layout.
type Schema struct {
	Kind    model.EventKind
	Version int
	Event   abi.Event
}

// Descriptor is the parsed contract metadata: ABI, event schemas and deployments.
type Descriptor struct {
	name     string
	abi      abi.ABI
	networks map[string]common.Address
	schemas  []Schema
	byTopic  map[common.Hash]Schema
	byKind   map[model.EventKind][]common.Hash
}

var (
	defaultDescriptor     *Descriptor
	defaultDescriptorOnce sync.Once
	defaultDescriptorErr  error
)

// Default returns the descriptor built from the embedded artifact.
func Default() (*Descriptor, error) {
	defaultDescriptorOnce.Do(func() {
		defaultDescriptor, defaultDescriptorErr = ParseDescriptor(defaultArtifactJSON)
	})
	return defaultDescriptor, defaultDescriptorErr
}

// LoadDescriptor reads an artifact file, or the embedded one when path is empty.
func LoadDescriptor(path string) (*Descriptor, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return ParseDescriptor(data)
}

// ParseDescriptor parses artifact JSON into a Descriptor.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	var artifact Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, fmt.Errorf("parse artifact: %w", err)
	}
	if len(artifact.ABI) == 0 {
		return nil, fmt.Errorf("artifact has no abi")
	}

	parsed, err := abi.JSON(strings.NewReader(string(artifact.ABI)))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	for _, method := range requiredMethods {
		if _, ok := parsed.Methods[method]; !ok {
			return nil, fmt.Errorf("abi is missing method %s", method)
		}
	}

	networks := make(map[string]common.Address, len(artifact.Networks))
	for network, deployment := range artifact.Networks {
		if !common.IsHexAddress(deployment.Address) {
			return nil, fmt.Errorf("invalid address for network %s: %q", network, deployment.Address)
		}
		networks[network] = common.HexToAddress(deployment.Address)
	}

	d := &Descriptor{
		name:     artifact.ContractName,
		abi:      parsed,
		networks: networks,
		byTopic:  make(map[common.Hash]Schema),
		byKind:   make(map[model.EventKind][]common.Hash),
	}
	d.indexSchemas()
	return d, nil
}

// indexSchemas groups ABI events by kind. Overloaded events become numbered
// versions, ordered by argument count.
func (d *Descriptor) indexSchemas() {
	known := make(map[model.EventKind]bool)
	for _, kind := range model.AllKinds() {
		known[kind] = true
	}

	grouped := make(map[model.EventKind][]abi.Event)
	for _, event := range d.abi.Events {
		if event.Anonymous {
			continue
		}
		kind := model.EventKind(event.RawName)
		if !known[kind] {
			continue
		}
		grouped[kind] = append(grouped[kind], event)
	}

	for _, kind := range model.AllKinds() {
		events := grouped[kind]
		sort.Slice(events, func(i, j int) bool {
			if len(events[i].Inputs) != len(events[j].Inputs) {
				return len(events[i].Inputs) < len(events[j].Inputs)
			}
			return events[i].Sig < events[j].Sig
		})
		for i, event := range events {
			schema := Schema{Kind: kind, Version: i + 1, Event: event}
			d.schemas = append(d.schemas, schema)
			d.byTopic[event.ID] = schema
			d.byKind[kind] = append(d.byKind[kind], event.ID)
		}
	}
}

// Name returns the contract name from the artifact.
func (d *Descriptor) Name() string {
	return d.name
}

// ABI returns the parsed contract ABI.
func (d *Descriptor) ABI() abi.ABI {
	return d.abi
}

// Schemas returns every known event schema, grouped by kind.
func (d *Descriptor) Schemas() []Schema {
	out := make([]Schema, len(d.schemas))
	copy(out, d.schemas)
	return out
}

// Topics returns the topic0 values of every schema version of kind.
func (d *Descriptor) Topics(kind model.EventKind) []common.Hash {
	topics := d.byKind[kind]
	out := make([]common.Hash, len(topics))
	copy(out, topics)
	return out
}

// SchemaByTopic looks up the schema a topic0 belongs to.
func (d *Descriptor) SchemaByTopic(topic common.Hash) (Schema, bool) {
	schema, ok := d.byTopic[topic]
	return schema, ok
}

// Address returns the deployment address recorded for network.
func (d *Descriptor) Address(network string) (common.Address, bool) {
	addr, ok := d.networks[network]
	return addr, ok
}

// WithDeployment returns a copy of d that also records a deployment on network.
func (d *Descriptor) WithDeployment(network string, address common.Address) *Descriptor {
	clone := *d
	clone.networks = make(map[string]common.Address, len(d.networks)+1)
	for k, v := range d.networks {
		clone.networks[k] = v
	}
	clone.networks[network] = address
	return &clone
}
