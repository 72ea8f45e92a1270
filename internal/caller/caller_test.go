package caller

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromContext_DefaultsToSystem(t *testing.T) {
	actor := FromContext(context.Background())

	assert.Equal(t, KindSystem, actor.Kind)
	assert.True(t, actor.IsOperator())
}

func TestUserActor_OwnsOnlyOwnResources(t *testing.T) {
	actor := FromContext(User(context.Background(), 7))

	assert.Equal(t, KindUser, actor.Kind)
	assert.False(t, actor.IsOperator())
	assert.True(t, actor.Owns(7))
	assert.False(t, actor.Owns(8))
}

func TestAdminActor_OwnsEverything(t *testing.T) {
	actor := FromContext(Admin(context.Background(), 1))

	assert.True(t, actor.IsOperator())
	assert.True(t, actor.Owns(99))
}

func TestKind_IsValid(t *testing.T) {
	assert.True(t, KindUser.IsValid())
	assert.True(t, KindAdmin.IsValid())
	assert.True(t, KindSystem.IsValid())
	assert.False(t, Kind("robot").IsValid())
}
