package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Store persists the deployment inventory between commands.
type Store interface {
	// Load returns the current inventory. A store that has never been written
	// yields an empty inventory, not an error.
	Load(context.Context) (*Inventory, error)
	// Update applies 'fn' to the current inventory and persists the result.
	// Nothing is written when 'fn' returns an error.
	Update(context.Context, func(*Inventory) error) error
	// Remove deletes the stored inventory entirely.
	Remove(context.Context) error
}

// Inventory is the flat map of endpoints and credentials produced by a
// deployment and consumed by the follow-up commands.
type Inventory struct {
	ServerPublicIP   string   `json:"server_public_ip,omitempty"`
	ServerPrivateIP  string   `json:"server_private_ip,omitempty"`
	ServerInstanceID string   `json:"server_instance_id,omitempty"`
	ClientPublicIPs  []string `json:"client_public_ips,omitempty"`
	ClientPrivateIPs []string `json:"client_private_ips,omitempty"`

	RDSEndpoint string `json:"rds_endpoint,omitempty"`
	DBUsername  string `json:"db_username,omitempty"`
	DBPassword  string `json:"db_password,omitempty"`
	DBName      string `json:"db_name,omitempty"`

	KeyPairName string `json:"key_pair_name,omitempty"`
	KeyFile     string `json:"key_file,omitempty"`

	NLBDNS     string `json:"nlb_dns,omitempty"`
	NLBPort    int32  `json:"nlb_port,omitempty"`
	NLBEnabled bool   `json:"nlb_enabled,omitempty"`

	SNSTopicARN string `json:"sns_topic_arn,omitempty"`
	SQSQueueURL string `json:"sqs_queue_url,omitempty"`

	// extra holds keys this version does not know about, so they survive a
	// read-modify-write cycle.
	extra map[string]json.RawMessage
}

// Well-known inventory keys.
const (
	KeyServerPublicIP  = "server_public_ip"
	KeyServerPrivateIP = "server_private_ip"
	KeyRDSEndpoint     = "rds_endpoint"
	KeyDBUsername      = "db_username"
	KeyDBPassword      = "db_password"
	KeyDBName          = "db_name"
	KeyKeyFile         = "key_file"
	KeyNLBDNS          = "nlb_dns"
	KeySQSQueueURL     = "sqs_queue_url"
)

type plain Inventory

func (inv *Inventory) UnmarshalJSON(data []byte) error {
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range knownKeys() {
		delete(raw, k)
	}
	*inv = Inventory(p)
	if len(raw) > 0 {
		inv.extra = raw
	}
	return nil
}

func (inv Inventory) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(plain(inv))
	if err != nil || len(inv.extra) == 0 {
		return data, err
	}
	merged := make(map[string]json.RawMessage, len(inv.extra))
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range inv.extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

var ErrMissingKeys = errors.New("deployment inventory is missing required keys")

// Require returns ErrMissingKeys naming every key in 'keys' which is unset.
func (inv *Inventory) Require(keys ...string) error {
	present, err := inv.present()
	if err != nil {
		return err
	}
	var missing []string
	for _, k := range keys {
		if !present[k] {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingKeys, strings.Join(missing, ", "))
	}
	return nil
}

// ClearNLB unsets the load balancer keys.
func (inv *Inventory) ClearNLB() {
	inv.NLBDNS = ""
	inv.NLBPort = 0
	inv.NLBEnabled = false
}

// ServerEndpoint is the host clients should dial: the load balancer when one
// is enabled, otherwise the server's public address.
func (inv *Inventory) ServerEndpoint() string {
	if inv.NLBEnabled && inv.NLBDNS != "" {
		return inv.NLBDNS
	}
	return inv.ServerPublicIP
}

func (inv *Inventory) present() (map[string]bool, error) {
	data, err := json.Marshal(inv)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(m))
	for k := range m {
		out[k] = true
	}
	return out, nil
}

func knownKeys() []string {
	// Marshal a fully populated value so omitempty drops nothing.
	full := plain{
		ServerPublicIP: "x", ServerPrivateIP: "x", ServerInstanceID: "x",
		ClientPublicIPs: []string{"x"}, ClientPrivateIPs: []string{"x"},
		RDSEndpoint: "x", DBUsername: "x", DBPassword: "x", DBName: "x",
		KeyPairName: "x", KeyFile: "x",
		NLBDNS: "x", NLBPort: 1, NLBEnabled: true,
		SNSTopicARN: "x", SQSQueueURL: "x",
	}
	data, _ := json.Marshal(full)
	var m map[string]json.RawMessage
	_ = json.Unmarshal(data, &m)
	return slices.Sorted(maps.Keys(m))
}
