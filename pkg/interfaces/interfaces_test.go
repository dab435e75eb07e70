package interfaces_test

import (
	"testing"

	"chatline/internal/auth"
	"chatline/internal/database"
	"chatline/pkg/interfaces"
)

func TestInterfaces_Implementations(t *testing.T) {
	var _ interfaces.MessageStore = (*database.Manager)(nil)
	var _ interfaces.TokenVerifier = (*auth.Verifier)(nil)
}
