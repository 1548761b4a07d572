package orion

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

func TestFileTokenCacheRoundTrip(t *testing.T) {
	cache := &FileTokenCache{Path: filepath.Join(t.TempDir(), "token.json")}

	token, err := cache.Read()
	if err != nil || token != nil {
		t.Fatal("missing file must read as empty cache", token, err)
	}

	want := &oauth2.Token{
		AccessToken: "abc",
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(time.Hour).Round(time.Second),
	}
	if err := cache.Write(want); err != nil {
		t.Fatal(err)
	}
	got, err := cache.Read()
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessToken != want.AccessToken || !got.Valid() {
		t.Fatal("token did not survive the round trip")
	}
}

func TestTokenSourceUsesCacheUntilExpiry(t *testing.T) {
	var grants int
	issuer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		grants++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`))
	}))
	defer issuer.Close()

	config := &clientcredentials.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		TokenURL:     issuer.URL + "/oauth2/token",
	}
	source := NewTokenSource(config, &MemoryTokenCache{})

	for i := 0; i < 3; i++ {
		token, err := source.Token()
		if err != nil {
			t.Fatal(err)
		}
		if token.AccessToken != "tok-1" {
			t.Fatal("unexpected token:", token.AccessToken)
		}
	}
	if grants != 1 {
		t.Fatal("expected a single token grant, got", grants)
	}
}

func TestTokenSourceRefreshesExpiredToken(t *testing.T) {
	var grants int
	issuer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		grants++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`))
	}))
	defer issuer.Close()

	cache := &MemoryTokenCache{}
	cache.Write(&oauth2.Token{AccessToken: "stale", Expiry: time.Now().Add(-time.Minute)})

	config := &clientcredentials.Config{ClientID: "client", ClientSecret: "secret", TokenURL: issuer.URL}
	token, err := NewTokenSource(config, cache).Token()
	if err != nil {
		t.Fatal(err)
	}
	if token.AccessToken != "fresh" || grants != 1 {
		t.Fatal("expired token was not refreshed")
	}
	cached, _ := cache.Read()
	if cached.AccessToken != "fresh" {
		t.Fatal("fresh token was not written back to the cache")
	}
}

func TestClientMapsAuthenticationFailure(t *testing.T) {
	issuer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer issuer.Close()
	broker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer broker.Close()

	config := &clientcredentials.Config{ClientID: "client", ClientSecret: "bad", TokenURL: issuer.URL}
	client := NewClient(&ClientBuilder{
		BrokerURL:   broker.URL,
		TokenSource: NewTokenSource(config, &MemoryTokenCache{}),
	})
	_, err := client.ListEntities(context.Background(), nil)
	if !errors.Is(err, ErrBrokerAuthentication) {
		t.Fatal("expected authentication error, got", err)
	}
}

func TestClientMapsUnreachableBroker(t *testing.T) {
	client := NewClient(&ClientBuilder{BrokerURL: "http://127.0.0.1:1", Timeout: time.Second})
	_, err := client.ListEntities(context.Background(), nil)
	if !errors.Is(err, ErrBrokerUnavailable) {
		t.Fatal("expected unavailable error, got", err)
	}
}
