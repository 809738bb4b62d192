package api

import (
	"log/slog"
	"net/http"

	"github.com/chenBenjamin97/vision-detector/pkg/bus"
	"github.com/chenBenjamin97/vision-detector/pkg/detection"
	"github.com/chenBenjamin97/vision-detector/pkg/node"
	"github.com/chenBenjamin97/vision-detector/pkg/utils"
	"github.com/gin-gonic/gin"
)

//Node is the part of the pipeline the status API reads
type Node interface {
	Stats() node.Stats
	LastMessage() (detection.Message, bool)
	Classes() *detection.ClassTable
}

//Bus reports message bus statistics
type Bus interface {
	Stats() bus.Stats
}

type status struct {
	Node node.Stats `json:"node"`
	Bus  bus.Stats  `json:"bus"`
}

func SetRouter(n Node, b Bus, weightsDir string) *gin.Engine {
	r := gin.Default()

	apiRoutes := r.Group("/api")

	apiRoutes.GET("/Status", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, status{Node: n.Stats(), Bus: b.Stats()})
	})

	apiRoutes.GET("/LastDetection", func(ctx *gin.Context) {
		msg, ok := n.LastMessage()
		if !ok {
			ctx.Status(http.StatusNotFound) //no frame processed yet
			return
		}
		ctx.JSON(http.StatusOK, msg)
	})

	apiRoutes.GET("/Classes", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, n.Classes().Classes())
	})

	apiRoutes.GET("/Weights", func(ctx *gin.Context) {
		if names, err := utils.ListDir(weightsDir); err != nil {
			slog.Warn("api/Weights: could not list weights directory", "dir", weightsDir, "error", err)
			ctx.Status(http.StatusInternalServerError)
		} else {
			ctx.JSON(http.StatusOK, names)
		}
	})

	return r
}
