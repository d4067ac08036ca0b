package sandbox

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/cardscout/internal/config"
)

func TestExecAllocatorOptions(t *testing.T) {
	base := len(ExecAllocatorOptions(config.RuntimeConfig{Headless: true}))

	withArgs := ExecAllocatorOptions(config.RuntimeConfig{
		Headless: true,
		Args:     []string{"--no-zygote", "window-size=800,600", "--", ""},
	})
	assert.Len(t, withArgs, base+2, "empty args are ignored")

	headful := ExecAllocatorOptions(config.RuntimeConfig{Headless: false})
	assert.Len(t, headful, base+1)
}

func TestInjectScript(t *testing.T) {
	script, err := injectScript(`https://js.puter.com/v2/?a="b"`)
	require.NoError(t, err)
	assert.Contains(t, script, `el.src = "https://js.puter.com/v2/?a=\"b\"";`)
	assert.Contains(t, script, "window."+stateVar)
	assert.Contains(t, script, "el.onerror")

	_, err = injectScript("")
	assert.Error(t, err)
}

func TestReadyScript(t *testing.T) {
	assert.Contains(t, readyScript, `typeof net.fetch === "function"`)
	assert.Contains(t, readyScript, stateVar)
}

func TestFetchScript(t *testing.T) {
	header := http.Header{}
	header.Set("Authorization", "Bearer x")
	script, err := fetchScript(&Request{
		URL:    "https://api.chub.ai/search?first=1",
		Method: http.MethodPost,
		Header: header,
		Body:   []byte(`{"q":"cat"}`),
	})
	require.NoError(t, err)

	assert.Contains(t, script, `window.puter.net.fetch("https://api.chub.ai/search?first=1"`)
	assert.Contains(t, script, `"method":"POST"`)
	assert.Contains(t, script, `"Authorization":"Bearer x"`)
	assert.Contains(t, script, `"body":"{\"q\":\"cat\"}"`)
	assert.True(t, strings.HasPrefix(script, "(async () => {"))

	plain, err := fetchScript(&Request{URL: "https://x.example/"})
	require.NoError(t, err)
	assert.Contains(t, plain, `fetch("https://x.example/", {})`)

	_, err = fetchScript(&Request{})
	assert.Error(t, err)
	_, err = fetchScript(nil)
	assert.Error(t, err)
}

func TestDecodeFetchResult(t *testing.T) {
	body := base64.StdEncoding.EncodeToString([]byte(`{"ok":true}`))
	resp, err := decodeFetchResult([]byte(`{"status":401,"headers":{"content-type":"application/json"},"body":"` + body + `"}`))
	require.NoError(t, err)
	assert.Equal(t, 401, resp.Status)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, `{"ok":true}`, string(resp.Body))

	_, err = decodeFetchResult([]byte(`{"headers":{}}`))
	assert.ErrorContains(t, err, "no status")

	_, err = decodeFetchResult([]byte(`{"status":200,"body":"!!!"}`))
	assert.ErrorContains(t, err, "decode runtime response body")

	_, err = decodeFetchResult([]byte(`not json`))
	assert.Error(t, err)
}

func TestChromeRuntimeNotStarted(t *testing.T) {
	rt := NewChromeRuntime(config.RuntimeConfig{ScriptURL: "https://js.puter.com/v2/"}, nil)
	defer rt.Close()

	ready, err := rt.Ready(context.Background())
	assert.False(t, ready)
	assert.Error(t, err)

	_, err = rt.FetchLike(context.Background(), &Request{URL: "https://x.example/"})
	assert.Error(t, err)
	assert.Equal(t, "about:blank", rt.hostPage())
	assert.Same(t, rt, rt.Capability())
}
