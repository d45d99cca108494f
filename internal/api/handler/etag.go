package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/bcnelson/tontine-manager/internal/domain"
)

// GenerateETag generates an ETag for a resource from its id and version.
// Format: "<resource_type>-<id>-<version>"
func GenerateETag(resourceType, id string, version int64) string {
	return fmt.Sprintf(`"%s-%s-%d"`, resourceType, id, version)
}

// SetETagHeader sets the ETag header on the response.
func SetETagHeader(w http.ResponseWriter, resourceType, id string, version int64) {
	w.Header().Set("ETag", GenerateETag(resourceType, id, version))
}

// RespondPreconditionFailed writes a 412 Precondition Failed response.
func RespondPreconditionFailed(w http.ResponseWriter, resourceType, id string, version int64) {
	respondStandardError(w, http.StatusPreconditionFailed, domain.ErrCodePreconditionFailed,
		"resource has been modified", "", map[string]any{
			"currentETag": GenerateETag(resourceType, id, version),
		})
}

// SetGroupETag sets the ETag of a group.
func SetGroupETag(w http.ResponseWriter, group *domain.Group) {
	SetETagHeader(w, "group", group.ID, group.Version)
}

// IfMatchVersion extracts the version from an If-Match naming the given
// resource. It returns 0 without the header or for "*", and -1 for a tag
// that cannot match any stored version.
func IfMatchVersion(r *http.Request, resourceType, id string) int64 {
	ifMatch := r.Header.Get("If-Match")
	if ifMatch == "" || ifMatch == "*" {
		return 0
	}
	prefix := `"` + resourceType + "-" + id + "-"
	rest, ok := strings.CutPrefix(ifMatch, prefix)
	if !ok {
		return -1
	}
	version, err := strconv.ParseInt(strings.TrimSuffix(rest, `"`), 10, 64)
	if err != nil || version < 1 || !strings.HasSuffix(rest, `"`) {
		return -1
	}
	return version
}
