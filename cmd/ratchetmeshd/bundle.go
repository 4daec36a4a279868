package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/companyzero/ratchetmesh/primitives"
	"github.com/companyzero/ratchetmesh/ratchet"
)

// bundleWire is the JSON shape a peer's /bundle endpoint serves: its
// ratchet pre-key bundle plus the long-term signing identity that
// vouches for it. The signature only protects the bundle in transit
// between the two processes' own HTTP endpoints; the room's
// verification handshake (not this) is what actually authenticates
// the session once the ratchet is live.
type bundleWire struct {
	DHPublic      string `json:"dh_public"`
	SigningPublic string `json:"signing_public"`
	IdentityPublic string `json:"identity_public"`
	Signature     string `json:"signature"`
}

func signBundle(b ratchet.PreKeyBundle, identity primitives.SigningKeyPair) bundleWire {
	msg := append(append([]byte{}, b.DHPublic[:]...), b.SigningPublic...)
	sig := primitives.Sign(identity.Private, msg)
	return bundleWire{
		DHPublic:       base64.StdEncoding.EncodeToString(b.DHPublic[:]),
		SigningPublic:  base64.StdEncoding.EncodeToString(b.SigningPublic),
		IdentityPublic: base64.StdEncoding.EncodeToString(identity.Public),
		Signature:      base64.StdEncoding.EncodeToString(sig),
	}
}

func (w bundleWire) bundle() (ratchet.PreKeyBundle, error) {
	var b ratchet.PreKeyBundle
	dh, err := base64.StdEncoding.DecodeString(w.DHPublic)
	if err != nil || len(dh) != len(b.DHPublic) {
		return b, fmt.Errorf("bundle: bad dh_public")
	}
	copy(b.DHPublic[:], dh)

	signingPub, err := base64.StdEncoding.DecodeString(w.SigningPublic)
	if err != nil || len(signingPub) != ed25519.PublicKeySize {
		return b, fmt.Errorf("bundle: bad signing_public")
	}
	b.SigningPublic = ed25519.PublicKey(signingPub)

	identityPub, err := base64.StdEncoding.DecodeString(w.IdentityPublic)
	if err != nil || len(identityPub) != ed25519.PublicKeySize {
		return b, fmt.Errorf("bundle: bad identity_public")
	}
	sig, err := base64.StdEncoding.DecodeString(w.Signature)
	if err != nil {
		return b, fmt.Errorf("bundle: bad signature encoding")
	}
	msg := append(append([]byte{}, dh...), signingPub...)
	if !primitives.Verify(ed25519.PublicKey(identityPub), msg, sig) {
		return b, fmt.Errorf("bundle: signature does not verify against its own identity_public")
	}
	return b, nil
}

// serveBundle answers GET /bundle with the local pre-key bundle,
// signed by the node's long-term identity key.
func serveBundle(local ratchet.PreKeyBundle, identity primitives.SigningKeyPair) http.HandlerFunc {
	wire := signBundle(local, identity)
	body, _ := json.Marshal(wire)
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}
}

// fetchBundle polls baseURL+"/bundle" until it succeeds or ctx is
// done, since the peer process may not have its HTTP server up yet at
// the moment both sides are started together.
func fetchBundle(ctx context.Context, baseURL string) (ratchet.PreKeyBundle, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	var lastErr error
	for {
		select {
		case <-ctx.Done():
			return ratchet.PreKeyBundle{}, fmt.Errorf("fetch bundle from %s: %w (last: %v)", baseURL, ctx.Err(), lastErr)
		default:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/bundle", nil)
		if err == nil {
			resp, rerr := client.Do(req)
			if rerr == nil {
				var wire bundleWire
				derr := json.NewDecoder(resp.Body).Decode(&wire)
				resp.Body.Close()
				if derr == nil {
					b, verr := wire.bundle()
					if verr == nil {
						return b, nil
					}
					lastErr = verr
				} else {
					lastErr = derr
				}
			} else {
				lastErr = rerr
			}
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return ratchet.PreKeyBundle{}, fmt.Errorf("fetch bundle from %s: %w (last: %v)", baseURL, ctx.Err(), lastErr)
		case <-time.After(time.Second):
		}
	}
}

func wsURLFromBase(base string) string {
	if bytes.HasPrefix([]byte(base), []byte("https://")) {
		return "wss://" + base[len("https://"):] + "/ws"
	}
	if bytes.HasPrefix([]byte(base), []byte("http://")) {
		return "ws://" + base[len("http://"):] + "/ws"
	}
	return "ws://" + base + "/ws"
}
