package ledger

import (
	"encoding/json"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	bolt "go.etcd.io/bbolt"
)

type addressRow struct {
	NodePubkey string `json:"node_pubkey"`
	Address    string `json:"address"`
	UpdatedAt  int64  `json:"updated_at"`
}

// ValidEthAddress reports whether s is a 0x-prefixed 20-byte hex address.
func ValidEthAddress(s string) bool {
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

// SetNodeAddress maps a node pubkey to its ERC-20 payout address.
func (l *Ledger) SetNodeAddress(nodePubkey, address string) error {
	if !ValidEthAddress(address) {
		return ErrInvalidAddress
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketNodeAddrs), []byte(nodePubkey), addressRow{
			NodePubkey: nodePubkey,
			Address:    address,
			UpdatedAt:  l.now().Unix(),
		})
	})
}

// NodeAddress returns the payout address for a node, or "" if unset.
func (l *Ledger) NodeAddress(nodePubkey string) (string, error) {
	var addr string
	err := l.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketNodeAddrs).Get([]byte(nodePubkey))
		if raw == nil {
			return nil
		}
		var row addressRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return err
		}
		addr = row.Address
		return nil
	})
	return addr, err
}

// AllNodeAddresses returns node pubkey → payout address for every mapping.
func (l *Ledger) AllNodeAddresses() (map[string]string, error) {
	out := make(map[string]string)
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodeAddrs).ForEach(func(_, v []byte) error {
			var row addressRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			out[row.NodePubkey] = row.Address
			return nil
		})
	})
	return out, err
}

// SetSetting stores an opaque key/value pair.
func (l *Ledger) SetSetting(key, value string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put([]byte(key), []byte(value))
	})
}

// GetSetting returns the stored value, or "" if unset.
func (l *Ledger) GetSetting(key string) (string, error) {
	var out string
	err := l.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketSettings).Get([]byte(key)); v != nil {
			out = string(v)
		}
		return nil
	})
	return out, err
}

// TokenConfig is the minter-facing contract configuration.
type TokenConfig struct {
	TokenAddress string `json:"token_address"`
	Network      string `json:"network"`
	RPCURL       string `json:"rpc_url,omitempty"`
}

// SetTokenConfig validates and stores the contract address, network, and an
// optional RPC override. An empty network defaults to polygon.
func (l *Ledger) SetTokenConfig(cfg TokenConfig) error {
	if !ValidEthAddress(cfg.TokenAddress) {
		return ErrInvalidAddress
	}
	if cfg.Network == "" {
		cfg.Network = "polygon"
	}
	if err := l.SetSetting("token_address", cfg.TokenAddress); err != nil {
		return err
	}
	if err := l.SetSetting("token_network", cfg.Network); err != nil {
		return err
	}
	if cfg.RPCURL != "" {
		return l.SetSetting("rpc_url", cfg.RPCURL)
	}
	return nil
}

// TokenConfig returns the stored contract configuration; the network reads
// as polygon when unset.
func (l *Ledger) TokenConfig() (TokenConfig, error) {
	addr, err := l.GetSetting("token_address")
	if err != nil {
		return TokenConfig{}, err
	}
	network, err := l.GetSetting("token_network")
	if err != nil {
		return TokenConfig{}, err
	}
	if network == "" {
		network = "polygon"
	}
	rpcURL, err := l.GetSetting("rpc_url")
	if err != nil {
		return TokenConfig{}, err
	}
	return TokenConfig{TokenAddress: addr, Network: network, RPCURL: rpcURL}, nil
}
