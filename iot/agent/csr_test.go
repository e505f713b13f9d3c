package agent_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/certrotation/issuer"
	"github.com/relabs-tech/certrotation/issuer/issuertest"
	"github.com/relabs-tech/certrotation/iot/agent"
)

func TestParseSubject(t *testing.T) {
	name, err := agent.ParseSubject("/C=US/ST=Kansas/L=Kansas City/O=MCICoffeMaker/OU=Manufacturing/CN={}", "SN-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"US"}, name.Country)
	assert.Equal(t, []string{"Kansas"}, name.Province)
	assert.Equal(t, []string{"Kansas City"}, name.Locality)
	assert.Equal(t, []string{"MCICoffeMaker"}, name.Organization)
	assert.Equal(t, []string{"Manufacturing"}, name.OrganizationalUnit)
	assert.Equal(t, "SN-1", name.CommonName)

	name, err = agent.ParseSubject("/O=Acme", "SN-1")
	require.NoError(t, err)
	assert.Equal(t, "SN-1", name.CommonName)

	for _, template := range []string{"/CN=other", "/O", "/X=1", "/O="} {
		_, err := agent.ParseSubject(template, "SN-1")
		assert.Error(t, err, template)
	}
}

func TestBuildCSR(t *testing.T) {
	key := issuertest.NewKey(t)
	csrPEM, err := agent.BuildCSR(key, "", "SN-1")
	require.NoError(t, err)

	csr, err := issuer.ParseCSR(csrPEM)
	require.NoError(t, err)
	assert.Equal(t, "SN-1", csr.Subject.CommonName)
	assert.True(t, key.PublicKey.Equal(csr.PublicKey))
}
