package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
)

type principal struct {
	owner int64
	admin bool
}

type principalKey struct{}

// requirePrincipal reads the identity forwarded by the upstream
// authenticator. Requests without a numeric owner id are rejected.
func requirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, err := strconv.ParseInt(r.Header.Get(HeaderOwnerID), 10, 64)
		if err != nil || owner <= 0 {
			writeError(w, http.StatusUnauthorized, "missing or invalid "+HeaderOwnerID)
			return
		}
		p := principal{owner: owner, admin: strings.EqualFold(r.Header.Get(HeaderRole), RoleAdmin)}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

func principalFrom(ctx context.Context) principal {
	p, _ := ctx.Value(principalKey{}).(principal)
	return p
}
