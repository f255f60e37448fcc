package profile

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/pubdeploy/internal/types"
)

const multiGroupDoc = `<?xml version="1.0" encoding="utf-8"?>
<Project ToolsVersion="4.0" xmlns="http://schemas.microsoft.com/developer/msbuild/2003">
  <PropertyGroup Condition="'$(Configuration)' == 'Debug'">
    <DebugSymbols>true</DebugSymbols>
  </PropertyGroup>
  <PropertyGroup>
    <WebPublishMethod>MSDeploy</WebPublishMethod>
    <MSDeployServiceURL>https://uat.example.com:8172/msdeploy.axd</MSDeployServiceURL>
    <DeployIisAppPath>Default Web Site/api</DeployIisAppPath>
    <UserName>deployer</UserName>
    <LaunchSiteAfterPublish>TRUE</LaunchSiteAfterPublish>
    <CustomSetting attr="kept">42</CustomSetting>
  </PropertyGroup>
  <ItemGroup>
    <Content Include="appsettings.json" />
  </ItemGroup>
</Project>`

func TestDecodeDocument_SelectsPublishGroup(t *testing.T) {
	doc, err := decodeDocument([]byte(multiGroupDoc))
	require.NoError(t, err)
	require.Len(t, doc.Groups, 2)
	assert.Equal(t, 1, doc.publishGroup())

	p := doc.toProfile("UAT-Api", "/tmp/UAT-Api.pubxml")
	assert.Equal(t, types.PublishMethodMSDeploy, p.PublishMethod)
	assert.Equal(t, "https://uat.example.com:8172/msdeploy.axd", p.PublishURL)
	assert.Equal(t, "Default Web Site/api", p.SiteName)
	assert.Equal(t, "deployer", p.UserName)
	assert.Equal(t, types.EnvStaging, p.Environment, "name fallback")
	require.NotNil(t, p.OpenBrowserOnDeploy)
	assert.True(t, *p.OpenBrowserOnDeploy)
	assert.Nil(t, p.EnableStdoutLog)
	assert.Equal(t, map[string]string{"CustomSetting": "42"}, p.Extra)
}

func TestDecodeDocument_FirstGroupWithoutPublishMethod(t *testing.T) {
	doc, err := decodeDocument([]byte(`<Project><PropertyGroup><UserName>a</UserName></PropertyGroup><PropertyGroup><UserName>b</UserName></PropertyGroup></Project>`))
	require.NoError(t, err)
	assert.Equal(t, "a", doc.toProfile("x", "").UserName)
}

func TestDecodeDocument_NoGroups(t *testing.T) {
	doc, err := decodeDocument([]byte(`<Project></Project>`))
	require.NoError(t, err)
	assert.Equal(t, -1, doc.publishGroup())
	p := doc.toProfile("dev", "")
	assert.Equal(t, types.EnvDevelopment, p.Environment)
}

func TestDecodeDocument_Malformed(t *testing.T) {
	_, err := decodeDocument([]byte(`<Project><PropertyGroup>`))
	assert.Error(t, err)
}

func TestDecodeDocument_MetadataBeatsName(t *testing.T) {
	doc, err := decodeDocument([]byte(`<Project><PropertyGroup><EnvironmentName>prod</EnvironmentName></PropertyGroup></Project>`))
	require.NoError(t, err)
	assert.Equal(t, types.EnvProduction, doc.toProfile("dev-box", "").Environment)
}

func TestParseTriState(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]string
		want   *bool
	}{
		{"absent", map[string]string{}, nil},
		{"true", map[string]string{"enablestdoutlog": "true"}, types.BoolPtr(true)},
		{"upper false", map[string]string{"enablestdoutlog": "FALSE"}, types.BoolPtr(false)},
		{"garbage", map[string]string{"enablestdoutlog": "yes"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseTriState(tt.values, elemStdoutLog))
		})
	}
}

func TestProfileFields_FileSystemUsesPublishUrl(t *testing.T) {
	fields := profileFields(&types.PublishProfile{
		PublishMethod: types.PublishMethodFileSystem,
		PublishURL:    `\\share\site`,
		Environment:   types.EnvUnknown,
	})
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, f.name)
	}
	assert.Contains(t, names, elemPublishURL)
	assert.NotContains(t, names, elemServiceURL)
	assert.NotContains(t, names, elemEnvironment)
}

func TestMergeFields_KeepsPositionAndAttrs(t *testing.T) {
	doc, err := decodeDocument([]byte(multiGroupDoc))
	require.NoError(t, err)

	merged := mergeFields(doc.Groups[1].Fields, []kv{
		{"CustomSetting", "43"},
		{"UserName", "other"},
		{"WebPublishMethod", "MSDeploy"},
	})
	require.Len(t, merged, 3)
	assert.Equal(t, "WebPublishMethod", merged[0].XMLName.Local)
	assert.Equal(t, "UserName", merged[1].XMLName.Local)
	assert.Equal(t, "other", merged[1].Value)
	assert.Equal(t, "CustomSetting", merged[2].XMLName.Local)
	require.Len(t, merged[2].Attrs, 1)
	assert.Equal(t, "kept", merged[2].Attrs[0].Value)
}

func TestEncode_PreservesOtherContent(t *testing.T) {
	doc, err := decodeDocument([]byte(multiGroupDoc))
	require.NoError(t, err)
	out, err := doc.encode()
	require.NoError(t, err)

	s := string(out)
	assert.True(t, strings.HasPrefix(s, "<?xml"))
	assert.Contains(t, s, `xmlns="http://schemas.microsoft.com/developer/msbuild/2003"`)
	assert.Contains(t, s, `<DebugSymbols>true</DebugSymbols>`)
	assert.Contains(t, s, `<Content Include="appsettings.json"`)
	assert.Contains(t, s, `<CustomSetting attr="kept">42</CustomSetting>`)

	again, err := decodeDocument(out)
	require.NoError(t, err)
	assert.Equal(t, doc.toProfile("x", ""), again.toProfile("x", ""))
}
