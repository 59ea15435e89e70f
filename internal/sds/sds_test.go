package sds

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSDS = `<?xml version="1.0"?>
<ServiceInformation xmlns="urn:example:sds">
  <Service Name="PHRService">
    <EndpointTLS Location="https://konnektor.internal:443/services/PHRService"/>
  </Service>
  <Service Name="OtherService">
    <EndpointTLS Location="https://konnektor.internal:443/services/OtherService"/>
  </Service>
</ServiceInformation>
`

func TestRewrite_PHRServiceOnly(t *testing.T) {
	out, err := Rewrite([]byte(sampleSDS), "https", "proxy.example:9443", false)
	require.NoError(t, err)

	result := string(out)
	assert.Contains(t, result, `Location="https://proxy.example:9443/services/PHRService"`)
	assert.Contains(t, result, `Location="https://konnektor.internal:443/services/OtherService"`,
		"non-PHRService endpoints must be left untouched unless proxy_all_services is set")
}

func TestRewrite_AllServices(t *testing.T) {
	out, err := Rewrite([]byte(sampleSDS), "http", "proxy.example", true)
	require.NoError(t, err)

	result := string(out)
	assert.Contains(t, result, `Location="http://proxy.example/services/PHRService"`)
	assert.Contains(t, result, `Location="http://proxy.example/services/OtherService"`)
}

func TestRewrite_NamespaceAgnostic(t *testing.T) {
	const namespaced = `<?xml version="1.0"?>
<sds:ServiceInformation xmlns:sds="urn:example:sds">
  <sds:Service Name="PHRService">
    <sds:EndpointTLS Location="https://konnektor.internal/services/PHRService"/>
  </sds:Service>
</sds:ServiceInformation>
`
	out, err := Rewrite([]byte(namespaced), "https", "proxy.example", false)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(out), `Location="https://proxy.example/services/PHRService"`))
}

func TestRewrite_NoMatchingService(t *testing.T) {
	const noMatch = `<?xml version="1.0"?>
<ServiceInformation>
  <Service Name="SomethingElse">
    <EndpointTLS Location="https://konnektor.internal/services/SomethingElse"/>
  </Service>
</ServiceInformation>
`
	_, err := Rewrite([]byte(noMatch), "https", "proxy.example", false)
	require.Error(t, err)
}
