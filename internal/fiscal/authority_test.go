package fiscal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testCreds() Credentials {
	return Credentials{ClientID: "client", ClientSecret: "secret"}
}

func TestSubmitAccepted(t *testing.T) {
	var received Payload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/documents", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "client", user)
		require.Equal(t, "secret", pass)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "doc-1",
			"access_key": "35260911222333000181650010000001011000000010",
			"protocol": "135260000001",
			"status": "authorized",
			"number": 101,
			"series": 1
		}`))
	}))
	defer server.Close()

	client := NewAuthorityClient(server.URL, testCreds(), "staging", time.Second)
	result, err := client.Submit(context.Background(), Payload{Model: 65})
	require.NoError(t, err)

	require.True(t, result.Accepted)
	require.Equal(t, "doc-1", result.DocumentID)
	require.Equal(t, int64(101), result.Number)
	require.Equal(t, "staging", received.Environment)
}

func TestSubmitRejectedByStatusField(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"doc-1","status":"rejected","message":"duplicate number"}`))
	}))
	defer server.Close()

	client := NewAuthorityClient(server.URL, testCreds(), "staging", time.Second)
	result, err := client.Submit(context.Background(), Payload{})
	require.NoError(t, err)

	require.False(t, result.Accepted)
	require.Equal(t, "duplicate number", result.Reason)
}

func TestSubmitRejectedByHTTPStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"invalid payload"}`))
	}))
	defer server.Close()

	client := NewAuthorityClient(server.URL, testCreds(), "staging", time.Second)
	result, err := client.Submit(context.Background(), Payload{})
	require.NoError(t, err)

	require.False(t, result.Accepted)
	require.Equal(t, "invalid payload", result.Reason)
}

func TestSubmitServerErrorIsTransport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := NewAuthorityClient(server.URL, testCreds(), "staging", time.Second)
	_, err := client.Submit(context.Background(), Payload{})
	require.Error(t, err)
}

func TestSubmitMissingDocumentID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"authorized"}`))
	}))
	defer server.Close()

	client := NewAuthorityClient(server.URL, testCreds(), "staging", time.Second)
	_, err := client.Submit(context.Background(), Payload{})
	require.ErrorContains(t, err, "missing document id")
}

func TestFetchArtifactPaths(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		require.Equal(t, "production", r.URL.Query().Get("environment"))
		_, _ = w.Write([]byte("payload"))
	}))
	defer server.Close()

	client := NewAuthorityClient(server.URL, testCreds(), "production", time.Second)
	for _, kind := range AllArtifactKinds {
		data, err := client.FetchArtifact(context.Background(), "doc-1", kind)
		require.NoError(t, err)
		require.Equal(t, []byte("payload"), data)
	}
	require.Equal(t, []string{
		"/documents/doc-1/xml/source",
		"/documents/doc-1/xml/processed",
		"/documents/doc-1/pdf",
	}, paths)
}

func TestFetchArtifactErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not ready", http.StatusNotFound)
	}))
	defer server.Close()

	client := NewAuthorityClient(server.URL, testCreds(), "staging", time.Second)
	_, err := client.FetchArtifact(context.Background(), "doc-1", ArtifactRendered)
	require.ErrorContains(t, err, "404")
}

func TestFetchArtifactUnknownKind(t *testing.T) {
	client := NewAuthorityClient("http://127.0.0.1:1", testCreds(), "staging", time.Second)

	_, err := client.FetchArtifact(context.Background(), "doc-1", ArtifactKind("thumbnail"))
	require.ErrorContains(t, err, "unknown artifact kind")
}
