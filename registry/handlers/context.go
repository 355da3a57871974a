package handlers

import (
	"errors"

	"github.com/opencontainers/go-digest"
)

var errDigestNotAvailable = errors.New("digest not available in context")

func getName(ctx *Context) string {
	return ctx.vars["name"]
}

func getReference(ctx *Context) string {
	return ctx.vars["reference"]
}

func getUploadUUID(ctx *Context) string {
	return ctx.vars["uuid"]
}

// getDigest extracts the digest path variable of the request.
func getDigest(ctx *Context) (digest.Digest, error) {
	dgstStr := ctx.vars["digest"]
	if dgstStr == "" {
		return "", errDigestNotAvailable
	}

	d, err := digest.Parse(dgstStr)
	if err != nil {
		return "", err
	}

	return d, nil
}
