package governance

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// actionIDVersion is bumped if the canonical encoding ever changes.
const actionIDVersion = 1

// actionDomainKey separates action ids from any other BLAKE3 use.
var actionDomainKey = [32]byte{
	'g', 'y', 'b', 'e', 'r', 'n', 'a', 't', 'y', '.', 'g', 'o', 'v', '.',
	'a', 'c', 't', 'i', 'o', 'n', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

var actionEncMode cbor.EncMode

func init() {
	var err error
	actionEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("governance: CBOR encoder initialization failed: " + err.Error())
	}
}

// actionKey is the canonical, fixed-order input to the action id hash.
type actionKey struct {
	_        struct{} `cbor:",toarray"`
	Version  int
	Type     ActionType
	TargetID string
	Payload  Payload
}

// ActionID derives the deterministic id of a proposal. Identical parameters
// yield the same id; any structural difference yields a different one.
func ActionID(typ ActionType, targetID string, payload Payload) (string, error) {
	data, err := actionEncMode.Marshal(actionKey{
		Version:  actionIDVersion,
		Type:     typ,
		TargetID: targetID,
		Payload:  payload,
	})
	if err != nil {
		return "", fmt.Errorf("encode action key: %w", err)
	}
	h, err := blake3.NewKeyed(actionDomainKey[:])
	if err != nil {
		return "", fmt.Errorf("init action hash: %w", err)
	}
	_, _ = h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
