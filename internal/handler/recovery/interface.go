package recovery

import "github.com/gin-gonic/gin"

type IHandler interface {
	Dashboard(c *gin.Context)
	Operation(c *gin.Context)
	Recover(c *gin.Context)
	Rollback(c *gin.Context)
	RetryBridge(c *gin.Context)
	RetryWithdrawal(c *gin.Context)
	RetryRedemption(c *gin.Context)
	SafetyMonitor(c *gin.Context)
	ForceTransition(c *gin.Context)
}
