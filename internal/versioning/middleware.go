package versioning

import (
	"context"
	"fmt"
	"net/http"

	apperrors "omnidesk/internal/errors"
	"omnidesk/internal/httputil"

	"github.com/sirupsen/logrus"
)

type contextKey string

const versionContextKey contextKey = "api_version"

const (
	// Request headers
	AcceptVersionHeader = "Accept-Version"
	APIVersionHeader    = "X-API-Version"

	// Response headers
	CurrentVersionHeader    = "X-Current-Version"
	SupportedVersionsHeader = "X-Supported-Versions"
)

// Middleware negotiates the operator API version. Requests without a
// version header get CurrentVersion; unparseable headers are rejected with
// 400, versions older than MinimumSupportedVersion with 426 and newer majors
// with 501.
func Middleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(CurrentVersionHeader, CurrentVersion.String())
			w.Header().Set(SupportedVersionsHeader, GetVersionRange())

			requested, err := versionFromRequest(r)
			if err != nil {
				httputil.WriteError(w, r, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid API version").
					WithUserMessage(err.Error()))
				return
			}

			if !IsVersionSupported(requested) {
				status := http.StatusNotImplemented
				msg := fmt.Sprintf("API version %s is not yet available, current version is %s", requested, CurrentVersion)
				if requested.Compare(MinimumSupportedVersion) < 0 {
					status = http.StatusUpgradeRequired
					msg = fmt.Sprintf("API version %s is no longer supported, minimum is %s", requested, MinimumSupportedVersion)
				}
				logger.WithFields(logrus.Fields{
					"requested_version": requested.String(),
					"current_version":   CurrentVersion.String(),
					"path":              r.URL.Path,
				}).Warn("Incompatible API version requested")
				httputil.WriteError(w, r, apperrors.New(apperrors.ErrCodeUnsupported, msg).
					WithUserMessage(msg).
					WithStatus(status))
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), versionContextKey, requested)))
		})
	}
}

// versionFromRequest prefers Accept-Version over X-API-Version.
func versionFromRequest(r *http.Request) (APIVersion, error) {
	for _, header := range []string{AcceptVersionHeader, APIVersionHeader} {
		if v := r.Header.Get(header); v != "" {
			version, err := ParseVersion(v)
			if err != nil {
				return APIVersion{}, fmt.Errorf("%s: %w", header, err)
			}
			return version, nil
		}
	}
	return CurrentVersion, nil
}

// GetVersionFromContext extracts the negotiated API version from request context
func GetVersionFromContext(ctx context.Context) (APIVersion, bool) {
	version, ok := ctx.Value(versionContextKey).(APIVersion)
	return version, ok
}
