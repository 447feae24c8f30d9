package authority

import (
	"encoding/hex"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"overlord/types"
)

// genesisFile is the on-disk shape of a human-edited authority list, kept
// separate from types.AuthConfig's wire/JSON shape so the genesis file can
// use friendlier hex-encoded addresses and public keys.
type genesisFile struct {
	CommonRef string `yaml:"commonRef"`
	Mode      string `yaml:"mode"`
	AuthList  []struct {
		AddressHex string `yaml:"address"`
		PubKeyHex  string `yaml:"pubKey"`
		Propose    uint64 `yaml:"proposeWeight"`
		Vote       uint64 `yaml:"voteWeight"`
	} `yaml:"authList"`
}

// LoadGenesisYAML reads a human-edited authority list from a YAML file,
// the shape original_source's AuthConfig.auth_list needs when a deployment
// hand-curates its validator set instead of deriving it from the TOML
// config the node-level settings live in.
func LoadGenesisYAML(path string) (types.AuthConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.AuthConfig{}, types.WrapError(types.ErrAdapter, err, "read genesis file")
	}

	var gf genesisFile
	if err := yaml.Unmarshal(data, &gf); err != nil {
		return types.AuthConfig{}, types.WrapError(types.ErrMalformed, err, "parse genesis yaml")
	}

	cfg := types.AuthConfig{
		CommonRef: gf.CommonRef,
		Mode:      types.SelectMode(gf.Mode),
		AuthList:  make([]types.Node, len(gf.AuthList)),
	}
	if cfg.Mode == "" {
		cfg.Mode = types.SelectInTurn
	}

	for i, n := range gf.AuthList {
		addr, err := decodeHexAddress(n.AddressHex)
		if err != nil {
			return types.AuthConfig{}, types.WrapError(types.ErrMalformed, err, "decode authority address")
		}
		cfg.AuthList[i] = types.Node{
			Address:       addr,
			PubKeyHex:     n.PubKeyHex,
			ProposeWeight: n.Propose,
			VoteWeight:    n.Vote,
		}
	}
	return cfg, nil
}

func decodeHexAddress(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return hex.DecodeString(s)
}
