// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"net/http"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/gin-gonic/gin"
)

// BodyLimit caps request bodies at maxBytes.
//
// # Description
//
// A declared Content-Length over the limit is rejected with 413 up front.
// Otherwise the body is wrapped in http.MaxBytesReader, and handlers map
// the resulting *http.MaxBytesError to the same 413 when they read past
// the limit.
func BodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge,
				datatypes.ErrorResponse{Error: datatypes.MsgBodyTooLarge})
			return
		}
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}
