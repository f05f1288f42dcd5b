package dispute

import "github.com/gin-gonic/gin"

type IHandler interface {
	Open(c *gin.Context)
	Get(c *gin.Context)
	Resolve(c *gin.Context)
}
