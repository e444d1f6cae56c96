package flashloan

import (
	"encoding/binary"

	"github.com/fortiblox/x1-flashloan/internal/types"
	"github.com/fortiblox/x1-flashloan/pkg/svm"
	"github.com/fortiblox/x1-flashloan/pkg/svm/pda"
)

// DefaultProgramID is the address the flash-loan program is deployed at
// unless configured otherwise.
var DefaultProgramID = types.MustPubkeyFromBase58("AQZnmH9t3mDTLrVQixkWqiMNaNwYFokhkorDYhuGoYhy")

// DefaultAuthoritySeed is the domain tag of the protocol signing authority.
const DefaultAuthoritySeed = "protocol"

// Config identifies a flash-loan deployment.
type Config struct {
	ProgramID     types.Pubkey
	AuthoritySeed []byte
}

// DefaultConfig returns the configuration of the default deployment.
func DefaultConfig() Config {
	return Config{
		ProgramID:     DefaultProgramID,
		AuthoritySeed: []byte(DefaultAuthoritySeed),
	}
}

func feeSeed(feeBps uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], feeBps)
	return b[:]
}

// AuthoritySeeds returns the signer seeds of the protocol authority for a
// fee tier.
func (c Config) AuthoritySeeds(feeBps uint16, bump uint8) svm.SignerSeeds {
	return svm.SignerSeeds{c.AuthoritySeed, feeSeed(feeBps), {bump}}
}

// DeriveAuthority finds the protocol authority address and bump of a fee tier.
func (c Config) DeriveAuthority(feeBps uint16) (types.Pubkey, uint8, error) {
	return pda.FindProgramAddress([][]byte{c.AuthoritySeed, feeSeed(feeBps)}, c.ProgramID)
}
