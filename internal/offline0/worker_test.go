package offline0

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

const installYAML = `
cache:
  name: app-v2
  static: [/, /index.html]
  external:
    - https://cdn.test/tailwind.js
    - https://fonts.test/inter.css
    - https://fonts.test/missing.css
`

func seedOrigin(ff *fakeFetcher) {
	ff.set(testOrigin+"/", http.StatusOK, "<html>shell</html>")
	ff.set(testOrigin+"/index.html", http.StatusOK, "<html>index</html>")
	ff.set("https://cdn.test/tailwind.js", http.StatusOK, "tw")
	ff.fail("https://fonts.test/inter.css")
	ff.set("https://fonts.test/missing.css", http.StatusNotFound, "nope")
}

func TestInstallCachesStaticAndReachableExternalAssets(t *testing.T) {
	ff := newFakeFetcher()
	seedOrigin(ff)
	w, _ := newTestWorker(t, testConfig(t, installYAML), ff)

	require.NoError(t, w.Start(context.Background()))
	require.Equal(t, StateActivated, w.State())
	require.True(t, w.Controlling())

	b := w.Bucket()
	require.Equal(t, "app-v2", b.Name())
	keys, err := b.Keys(context.Background())
	require.NoError(t, err)
	require.ElementsMatch(t, []RequestKey{
		keyFor(http.MethodGet, testOrigin+"/"),
		keyFor(http.MethodGet, testOrigin+"/index.html"),
		keyFor(http.MethodGet, "https://cdn.test/tailwind.js"),
	}, keys)

	require.Equal(t, "tw", string(mustMatch(t, b, keyFor(http.MethodGet, "https://cdn.test/tailwind.js")).Body))

	calls := ff.callsFor("https://cdn.test/tailwind.js")
	require.Len(t, calls, 1)
	require.True(t, calls[0].OmitCredentials)
}

func TestInstallFailsWhenAStaticAssetFails(t *testing.T) {
	ff := newFakeFetcher()
	seedOrigin(ff)
	ff.set(testOrigin+"/index.html", http.StatusInternalServerError, "boom")
	w, st := newTestWorker(t, testConfig(t, installYAML), ff)

	err := w.Start(context.Background())
	require.ErrorIs(t, err, ErrAssetFailed)
	require.Contains(t, err.Error(), "/index.html")
	require.Equal(t, StateNew, w.State())
	require.False(t, w.Controlling())
	require.Nil(t, w.Bucket())

	b, err := st.Open(context.Background(), "app-v2")
	require.NoError(t, err)
	keys, err := b.Keys(context.Background())
	require.NoError(t, err)
	require.Empty(t, keys, "static assets are all-or-nothing")
	require.Empty(t, ff.callsFor("https://cdn.test/tailwind.js"), "external assets run after static ones")
}

func TestInstallNetworkErrorOnStaticAsset(t *testing.T) {
	ff := newFakeFetcher()
	seedOrigin(ff)
	ff.fail(testOrigin + "/")
	w, _ := newTestWorker(t, testConfig(t, installYAML), ff)

	require.ErrorIs(t, w.Start(context.Background()), ErrAssetFailed)
}

func TestReinstallLeavesCachedEntriesUnchanged(t *testing.T) {
	ff := newFakeFetcher()
	seedOrigin(ff)
	w, _ := newTestWorker(t, testConfig(t, installYAML), ff)
	ctx := context.Background()

	require.NoError(t, w.Start(ctx))
	key := keyFor(http.MethodGet, testOrigin+"/index.html")
	before := mustMatch(t, w.Bucket(), key)

	require.NoError(t, w.Start(ctx))
	require.Equal(t, StateActivated, w.State())
	after := mustMatch(t, w.Bucket(), key)
	require.Equal(t, before, after)
}

func TestActivateDeletesEveryOtherBucket(t *testing.T) {
	ff := newFakeFetcher()
	seedOrigin(ff)
	w, st := newTestWorker(t, testConfig(t, installYAML), ff)
	ctx := context.Background()

	for _, name := range []string{"app-v1", "unrelated"} {
		b, err := st.Open(ctx, name)
		require.NoError(t, err)
		require.NoError(t, b.Put(ctx, keyFor(http.MethodGet, testOrigin+"/old.js"), newResponse(200, nil, []byte("old"))))
	}

	require.NoError(t, w.Start(ctx))

	names, err := st.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"app-v2"}, names)
	mustMatch(t, w.Bucket(), keyFor(http.MethodGet, testOrigin+"/"))
}

func TestActivateRequiresInstall(t *testing.T) {
	w, _ := newTestWorker(t, testConfig(t, ""), newFakeFetcher())

	_, err := w.Dispatch(context.Background(), &Event{Kind: EventActivate})
	require.ErrorIs(t, err, ErrNotInstalled)
	require.Equal(t, StateNew, w.State())
}

func TestWaitingWorkerActivatesOnRequest(t *testing.T) {
	ff := newFakeFetcher()
	seedOrigin(ff)
	w, _ := newTestWorker(t, testConfig(t, installYAML+"lifecycle:\n  skipWaiting: false\n"), ff)
	ctx := context.Background()

	require.NoError(t, w.Start(ctx))
	require.Equal(t, StateInstalled, w.State())
	require.False(t, w.Controlling())

	_, err := w.Dispatch(ctx, &Event{Kind: EventActivate})
	require.NoError(t, err)
	require.Equal(t, StateActivated, w.State())
	require.True(t, w.Controlling())
}

func TestWithoutClaimControlStartsAtNextNavigation(t *testing.T) {
	ff := newFakeFetcher()
	seedOrigin(ff)
	w, _ := newTestWorker(t, testConfig(t, installYAML+"lifecycle:\n  claim: false\n"), ff)

	require.NoError(t, w.Start(context.Background()))
	require.Equal(t, StateActivated, w.State())
	require.False(t, w.Controlling())

	require.False(t, w.Controls(newPageRequest(t, http.MethodGet, "/app.js", "Sec-Fetch-Dest", "script", "Sec-Fetch-Mode", "no-cors")))
	require.True(t, w.Controls(newPageRequest(t, http.MethodGet, "/", "Sec-Fetch-Mode", "navigate")))
	require.True(t, w.Controls(newPageRequest(t, http.MethodGet, "/app.js", "Sec-Fetch-Mode", "no-cors")))
}

func TestDispatchUnknownEvent(t *testing.T) {
	w, _ := newTestWorker(t, testConfig(t, ""), newFakeFetcher())
	_, err := w.Dispatch(context.Background(), &Event{Kind: "message"})
	require.Error(t, err)
}
