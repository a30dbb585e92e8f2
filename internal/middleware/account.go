package middleware

import (
	"context"
	"database/sql"
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/mailtrack-api/internal/models"
	appErrors "github.com/noah-isme/mailtrack-api/pkg/errors"
	"github.com/noah-isme/mailtrack-api/pkg/response"
)

// ContextAccountKey is the gin context key storing the loaded user record.
const ContextAccountKey = "currentAccount"

type accountLoader interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

// LoadAccount resolves the JWT claims into the full user record, including
// org scope, so downstream handlers never re-query it. Runs after JWT.
func LoadAccount(users accountLoader) gin.HandlerFunc {
	return func(c *gin.Context) {
		claimsValue, exists := c.Get(ContextUserKey)
		if !exists {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		claims := claimsValue.(*models.JWTClaims)

		user, err := users.FindByID(c.Request.Context(), claims.UserID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "account no longer exists"))
			} else {
				response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load account"))
			}
			c.Abort()
			return
		}
		if !user.Active {
			response.Error(c, appErrors.ErrInactiveAccount)
			c.Abort()
			return
		}

		c.Set(ContextAccountKey, user)
		c.Next()
	}
}
