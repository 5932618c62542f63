package convex

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// comparable
// session ids. ulids are ordered by create time, which lets the backend order
// sessions from the same client without a clock exchange. The wire form is the
// standard dashed hex encoding.
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func (self Id) String() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", self[0:4], self[4:6], self[6:8], self[8:10], self[10:16])
}

func (self Id) MarshalJSON() ([]byte, error) {
	return json.Marshal(self.String())
}

func (self *Id) UnmarshalJSON(src []byte) error {
	var encoded string
	if err := json.Unmarshal(src, &encoded); err != nil {
		return err
	}
	id, err := parseId(encoded)
	if err != nil {
		return err
	}
	*self = id
	return nil
}

func parseId(src string) (Id, error) {
	if len(src) != 36 || src[8] != '-' || src[13] != '-' || src[18] != '-' || src[23] != '-' {
		return Id{}, fmt.Errorf("cannot parse id %q", src)
	}
	buf, err := hex.DecodeString(src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:])
	if err != nil {
		return Id{}, err
	}
	return Id(buf), nil
}
