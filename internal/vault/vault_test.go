package vault

import "testing"

func TestMemoryVaultPutGet(t *testing.T) {
	v := NewMemory()

	if _, ok, _ := v.Get(KeyAPIKey); ok {
		t.Fatal("expected key to be absent before put")
	}

	if err := v.Put(KeyAPIKey, "secret-key"); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	value, ok, err := v.Get(KeyAPIKey)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !ok {
		t.Fatal("expected key to be present after put")
	}
	if value != "secret-key" {
		t.Errorf("expected value %q, got %q", "secret-key", value)
	}
}

func TestMemoryVaultDeleteAbsentIsNotError(t *testing.T) {
	v := NewMemory()
	if err := v.Delete(KeyDocflowURL); err != nil {
		t.Fatalf("deleting absent key should not error: %v", err)
	}
}

func TestClearAllRemovesEveryWellKnownKey(t *testing.T) {
	v := NewMemory()
	_ = v.Put(KeyAPIKey, "k")
	_ = v.Put(KeyDocflowURL, "https://example.com")
	_ = v.Put(KeyFolderSyncConfig, "{}")

	ClearAll(v)

	for _, key := range []string{KeyAPIKey, KeyDocflowURL, KeyFolderSyncConfig} {
		if _, ok, _ := v.Get(key); ok {
			t.Errorf("expected %q to be cleared", key)
		}
	}
}
