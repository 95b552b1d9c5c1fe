package agent

import "github.com/agentrt/agentrt/internal/agentrt/apperr"

func errConnectionNotAttached(connID string) error {
	return apperr.NotFoundf("connection %s is not attached to this instance", connID)
}
