package multisig

import "github.com/gin-gonic/gin"

type IHandler interface {
	Propose(c *gin.Context)
	Approve(c *gin.Context)
	Reject(c *gin.Context)
	Execute(c *gin.Context)
	Pending(c *gin.Context)
	Requests(c *gin.Context)
	Request(c *gin.Context)
	Statistics(c *gin.Context)
	Config(c *gin.Context)

	CreatePreApproval(c *gin.Context)
	SignPreApproval(c *gin.Context)
}
