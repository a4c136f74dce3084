package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

// pathID parses the snowflake in the named path parameter.
func pathID(c *gin.Context, name string) (snowflake.ID, error) {
	trimmed := strings.TrimSpace(c.Param(name))
	if trimmed == "" {
		return 0, newValidationError(name, "required", name+" is required")
	}
	parsed, err := snowflake.ParseString(trimmed)
	if err != nil || parsed <= 0 {
		return 0, newValidationError(name, "invalid_id", "invalid "+name)
	}
	return parsed, nil
}
