package syntax

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDIDParse(t *testing.T) {
	assert := assert.New(t)

	valid := []string{
		"did:plc:ewvi7nxzyoun6zhxrhs64oiz",
		"did:web:example.com",
		"did:method:val:two",
		"did:m:v",
		"did:method:-:_:.",
	}
	for _, s := range valid {
		d, err := ParseDID(s)
		assert.NoError(err, s)
		assert.Equal(s, d.String())
	}

	invalid := []string{
		"",
		"did",
		"did:",
		"did:plc",
		"did:PLC:abc",
		"did:plc:abc:",
		"DID:plc:abc",
		"did:plc:abc/path",
	}
	for _, s := range invalid {
		_, err := ParseDID(s)
		assert.Error(err, s)
	}
}

func TestDIDMethod(t *testing.T) {
	assert := assert.New(t)

	d, err := ParseDID("did:plc:ewvi7nxzyoun6zhxrhs64oiz")
	assert.NoError(err)
	assert.Equal("plc", d.Method())
}
