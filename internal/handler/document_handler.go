// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"

	"reg-smart-go/internal/service"
	"reg-smart-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// DocumentHandler 负责处理所有与法规文档管理相关的 API 请求。
type DocumentHandler struct {
	docService service.DocumentService
}

// NewDocumentHandler 创建一个新的 DocumentHandler 实例。
func NewDocumentHandler(docService service.DocumentService) *DocumentHandler {
	return &DocumentHandler{docService: docService}
}

// Upload 处理法规文档上传请求，接收 multipart 表单中的 file 字段。
func (h *DocumentHandler) Upload(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少上传文件"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		log.Error("Upload: failed to open uploaded file", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "读取上传文件失败"})
		return
	}
	defer file.Close()

	doc, err := h.docService.Ingest(c.Request.Context(), fileHeader.Filename, file, user.ID)
	if err != nil {
		log.Warnf("Upload: failed for user %s, file %s, err: %v", user.Username, fileHeader.Filename, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "文档上传成功，正在解析入库",
		"data":    doc,
	})
}

// List 处理获取全部法规文档列表的请求。
func (h *DocumentHandler) List(c *gin.Context) {
	docs, err := h.docService.List()
	if err != nil {
		log.Error("List: failed to list documents", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取文件列表失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "获取文件列表成功",
		"data":    docs,
	})
}

// Download 处理生成文件下载链接的请求。
func (h *DocumentHandler) Download(c *gin.Context) {
	fileName := c.Query("fileName")
	if fileName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少文件名"})
		return
	}

	downloadInfo, err := h.docService.GenerateDownloadURL(fileName)
	if err != nil {
		log.Warnf("Download: failed for file %s, err: %v", fileName, err)
		if errors.Is(err, service.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "文件下载链接生成失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "文件下载链接生成成功",
		"data":    downloadInfo,
	})
}

// Delete 处理删除文档的请求，会同时清理对象存储和索引中的数据。
func (h *DocumentHandler) Delete(c *gin.Context) {
	fileMD5 := c.Param("fileMd5")
	if fileMD5 == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少文件 MD5"})
		return
	}

	user, ok := currentUser(c)
	if !ok {
		return
	}

	err := h.docService.Delete(c.Request.Context(), fileMD5, user)
	if err != nil {
		log.Warnf("Delete: failed for user %s, md5 %s, err: %v", user.Username, fileMD5, err)
		switch {
		case errors.Is(err, service.ErrDocumentNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrDocumentForbidden):
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "文档删除失败"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "文档删除成功",
	})
}
