package handlers

import (
	"net/http"

	"github.com/gluk-w/sessiond/internal/database"
)

func (api *API) Health(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	runtimeStatus := "disconnected"
	if api.Lifecycle != nil {
		runtimeStatus = "connected"
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   status,
		"runtime":  runtimeStatus,
		"database": dbStatus,
	})
}
