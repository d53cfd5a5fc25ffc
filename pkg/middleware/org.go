package middleware

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/boxvault/pkg/auth"
	"github.com/platinummonkey/boxvault/pkg/contextkeys"
	"github.com/platinummonkey/boxvault/pkg/httputil"
)

// OrgHeader names the organization a request acts on when the route has no {org} variable
const OrgHeader = "X-Organization"

var roleRank = map[auth.Role]int{
	auth.RoleUser:      1,
	auth.RoleModerator: 2,
	auth.RoleAdmin:     3,
}

// OrgScope picks the organization a request acts on from the route, the
// X-Organization header or the primary organization claim, in that order.
// The caller's token must carry a membership in it with at least minRole.
// Must run after AuthMiddleware.
func OrgScope(minRole auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromRequest(r)
			if claims == nil {
				httputil.WriteForbidden(w, "authentication required")
				return
			}

			name := mux.Vars(r)["org"]
			if name == "" {
				name = strings.TrimSpace(r.Header.Get(OrgHeader))
			}

			var org *auth.OrgClaim
			if name == "" {
				org = claims.PrimaryOrganization()
			} else {
				for i := range claims.Organizations {
					if claims.Organizations[i].Name == name {
						org = &claims.Organizations[i]
						break
					}
				}
			}
			if org == nil {
				httputil.WriteForbidden(w, "not a member of this organization")
				return
			}
			if roleRank[org.Role] < roleRank[minRole] {
				httputil.WriteForbidden(w, "insufficient role permissions")
				return
			}

			next.ServeHTTP(w, r.WithContext(contextkeys.WithOrg(r.Context(), org)))
		})
	}
}

// OrgFromRequest returns the organization selected by OrgScope
func OrgFromRequest(r *http.Request) *auth.OrgClaim {
	org, _ := contextkeys.GetOrg(r.Context()).(*auth.OrgClaim)
	return org
}
