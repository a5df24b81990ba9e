package backup

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func namesFor(n int) []string {
	all := []string{
		"2024_01_01_00_00_00",
		"2024_01_02_00_00_00",
		"2024_01_03_00_00_00",
		"2024_01_04_00_00_00",
		"2024_01_05_00_00_00",
	}
	return all[:n]
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, Policy{}.Validate())
	assert.NoError(t, Policy{LocalRaw: Retain(3), S3Compressed: Retain(10)}.Validate())
	assert.NoError(t, Policy{LocalRaw: Retain(0)}.Validate())
	assert.Error(t, Policy{LocalCompressed: Retain(-1)}.Validate())
}

func TestEnforceEvictsOldestFirst(t *testing.T) {
	ix := newTestIndex(t)
	for _, name := range namesFor(5) {
		ix.Attach(TierLocalRaw, name)
	}

	var physical []string
	en := &Enforcer{
		Index: ix,
		Deleters: map[Tier]func(string) error{
			TierLocalRaw: func(name string) error {
				physical = append(physical, name)
				return nil
			},
		},
	}

	deleted, err := en.Enforce(Policy{LocalRaw: Retain(2)})
	require.NoError(t, err)

	assert.Equal(t, []string{"2024_01_01_00_00_00", "2024_01_02_00_00_00", "2024_01_03_00_00_00"}, physical)
	assert.Len(t, deleted, 3)
	assert.Equal(t, []string{"2024_01_04_00_00_00", "2024_01_05_00_00_00"}, ix.Names(TierLocalRaw))
}

func TestEnforceZeroEmptiesTier(t *testing.T) {
	ix := newTestIndex(t)
	for _, name := range namesFor(3) {
		ix.Attach(TierLocalRaw, name)
	}
	var physical []string
	en := &Enforcer{
		Index: ix,
		Deleters: map[Tier]func(string) error{
			TierLocalRaw: func(name string) error {
				physical = append(physical, name)
				return nil
			},
		},
	}
	deleted, err := en.Enforce(Policy{LocalRaw: Retain(0)})
	require.NoError(t, err)
	assert.Len(t, deleted, 3)
	assert.Equal(t, namesFor(3), physical)
	assert.Equal(t, 0, ix.Count(TierLocalRaw))
}

func TestEnforceUnsetTierKeepsEverything(t *testing.T) {
	ix := newTestIndex(t)
	for _, name := range namesFor(3) {
		ix.Attach(TierLocalRaw, name)
	}
	en := &Enforcer{
		Index: ix,
		Deleters: map[Tier]func(string) error{
			TierLocalRaw: func(string) error {
				t.Fatal("nothing may be deleted when no count is set")
				return nil
			},
		},
	}
	deleted, err := en.Enforce(Policy{})
	require.NoError(t, err)
	assert.Empty(t, deleted)
	assert.Equal(t, 3, ix.Count(TierLocalRaw))
}

func TestEnforceTierFailureIsIsolated(t *testing.T) {
	ix := newTestIndex(t)
	for _, name := range namesFor(3) {
		ix.Attach(TierLocalRaw, name)
		ix.Attach(TierS3Raw, name)
	}

	bang := errors.New("access denied")
	var localDeleted []string
	en := &Enforcer{
		Index: ix,
		Deleters: map[Tier]func(string) error{
			TierLocalRaw: func(name string) error {
				localDeleted = append(localDeleted, name)
				return nil
			},
			TierS3Raw: func(string) error { return bang },
		},
	}

	deleted, err := en.Enforce(Policy{LocalRaw: Retain(1), S3Raw: Retain(1)})
	assert.ErrorIs(t, err, bang)

	// local tier enforced fully despite the remote failure
	assert.Len(t, localDeleted, 2)
	assert.Equal(t, 1, ix.Count(TierLocalRaw))

	// remote tier untouched: physical delete failed, index keeps listing it
	assert.Equal(t, 3, ix.Count(TierS3Raw))
	for _, d := range deleted {
		assert.Equal(t, TierLocalRaw, d.Tier)
	}
}

func TestEnforcePersistsAfterEachDeletion(t *testing.T) {
	ix := newTestIndex(t)
	for _, name := range namesFor(4) {
		ix.Attach(TierLocalCompressed, name)
	}

	persists := 0
	en := &Enforcer{
		Index:    ix,
		Deleters: map[Tier]func(string) error{TierLocalCompressed: func(string) error { return nil }},
		Persist:  func() error { persists++; return nil },
	}

	_, err := en.Enforce(Policy{LocalCompressed: Retain(1)})
	require.NoError(t, err)
	assert.Equal(t, 3, persists, "index must be persisted once per eviction")
}

func TestEnforceSkipsTierWithoutDeleter(t *testing.T) {
	ix := newTestIndex(t)
	for _, name := range namesFor(3) {
		ix.Attach(TierS3Compressed, name)
	}
	en := &Enforcer{Index: ix, Deleters: map[Tier]func(string) error{}}
	deleted, err := en.Enforce(Policy{S3Compressed: Retain(1)})
	require.NoError(t, err)
	assert.Empty(t, deleted)
	assert.Equal(t, 3, ix.Count(TierS3Compressed))
}
