package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bluesky-social/atrepo/atproto/crypto"

	"github.com/stretchr/testify/assert"
)

func TestGenerateAndVerify(t *testing.T) {
	assert := assert.New(t)
	dir := t.TempDir()
	carPath := filepath.Join(dir, "repo.car")
	eventsPath := filepath.Join(dir, "events.jsonl")
	proofPath := filepath.Join(dir, "proof.car")

	priv, err := crypto.GeneratePrivateKeyP256()
	assert.NoError(err)
	pub, err := priv.PublicKey()
	assert.NoError(err)
	didKey := "--did-key=" + pub.DIDKey()

	assert.NoError(run([]string{"repo-tool", "generate", "--output", carPath, "--events", eventsPath, "--records", "60", "--batch", "7", "--private-key", priv.Multibase()}))
	assert.NoError(run([]string{"repo-tool", "verify-car", "--strict-order", carPath, carPath}))
	assert.NoError(run([]string{"repo-tool", "verify-car-signature", didKey, carPath}))
	assert.NoError(run([]string{"repo-tool", "verify-event", didKey, eventsPath}))
	assert.NoError(run([]string{"repo-tool", "inspect-car", carPath}))
	assert.NoError(run([]string{"repo-tool", "print-tree", carPath}))
	assert.NoError(run([]string{"repo-tool", "diff-car", carPath, carPath}))

	assert.NoError(run([]string{"repo-tool", "prove-record", "--output", proofPath, carPath, "app.bsky.feed.post/3zzzzzzzzzzzz"}))
	assert.NoError(run([]string{"repo-tool", "verify-record", didKey, "--did", "did:plc:ewvi7nxzyoun6zhxrhs64oiz", proofPath, "app.bsky.feed.post/3zzzzzzzzzzzz"}))

	// wrong key
	other, err := crypto.GeneratePrivateKeyK256()
	assert.NoError(err)
	otherPub, err := other.PublicKey()
	assert.NoError(err)
	assert.Error(run([]string{"repo-tool", "verify-car-signature", "--did-key=" + otherPub.DIDKey(), carPath}))
	assert.Error(run([]string{"repo-tool", "verify-event", "--did-key=" + otherPub.DIDKey(), eventsPath}))
	assert.Error(run([]string{"repo-tool", "verify-car", filepath.Join(dir, "missing.car")}))
}

func TestIngestOnDisk(t *testing.T) {
	assert := assert.New(t)
	dir := t.TempDir()
	carPath := filepath.Join(dir, "repo.car")
	eventsPath := filepath.Join(dir, "events.jsonl")

	priv, err := crypto.GeneratePrivateKeyK256()
	assert.NoError(err)
	pub, err := priv.PublicKey()
	assert.NoError(err)
	didKey := "--did-key=" + pub.DIDKey()

	assert.NoError(run([]string{"repo-tool", "generate", "--store", "pebble", "--data-dir", filepath.Join(dir, "source"), "--output", carPath, "--events", eventsPath, "--records", "40", "--batch", "5", "--private-key", priv.Multibase()}))
	want, err := os.ReadFile(carPath)
	assert.NoError(err)

	for _, store := range []string{"pebble", "flatfs", "mem"} {
		exportPath := filepath.Join(dir, store+".car")
		dataDir := filepath.Join(dir, "replica-"+store)
		assert.NoError(run([]string{"repo-tool", "ingest-events", didKey, "--store", store, "--data-dir", dataDir, "--export", exportPath, eventsPath}), store)
		got, err := os.ReadFile(exportPath)
		assert.NoError(err)
		assert.Equal(want, got, store)
	}

	// a second pass over the same on-disk replica only sees replays
	assert.Error(run([]string{"repo-tool", "ingest-events", didKey, "--store", "pebble", "--data-dir", filepath.Join(dir, "replica-pebble"), eventsPath}))
	assert.Error(run([]string{"repo-tool", "ingest-events", "--store", "pebble", "--data-dir", filepath.Join(dir, "other"), eventsPath}))
	assert.Error(run([]string{"repo-tool", "generate", "--store", "pebble", "--output", carPath}))
}
