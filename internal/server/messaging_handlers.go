package server

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/beresta/messenger/internal/apperr"
	"github.com/beresta/messenger/internal/messaging"
)

const (
	msgNoFileUploaded = "no file uploaded"
	msgFileTooLarge   = "file is too large"
	msgInvalidBody    = "invalid request body"
	msgEmailRequired  = "a valid email is required"
	msgInvalidID      = "invalid id"
	msgInvalidNumber  = "duration must be a whole number of seconds"
)

// formFile opens an optional multipart file. A missing field or a plain
// form body yields nil.
func formFile(c *gin.Context, field string) (*messaging.UploadInput, func(), error) {
	header, err := c.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return nil, func() {}, nil
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, func() {}, apperr.Invalid(msgFileTooLarge)
		}
		return nil, func() {}, apperr.Invalid(msgInvalidBody)
	}
	file, err := header.Open()
	if err != nil {
		return nil, func() {}, apperr.Internal("server.form_file", err)
	}
	return &messaging.UploadInput{
		OriginalName: header.Filename,
		MimeType:     header.Header.Get("Content-Type"),
		Size:         header.Size,
		Body:         file,
	}, func() { _ = file.Close() }, nil
}

func formDuration(c *gin.Context) (int64, error) {
	raw := strings.TrimSpace(c.PostForm("duration"))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || value < 0 || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, apperr.Invalid(msgInvalidNumber)
	}
	return int64(value), nil
}

func pathID(c *gin.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Invalid(msgInvalidID)
	}
	return id, nil
}

func (h *httpHandler) handleUploadFile(c *gin.Context) {
	upload, release, err := formFile(c, "file")
	defer release()
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if upload == nil {
		respondError(c, h.logger, apperr.Invalid(msgNoFileUploaded))
		return
	}
	descriptor, err := h.messaging.Upload(c.Request.Context(), *upload)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "file": descriptor})
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	attachment, release, err := formFile(c, "attachment")
	defer release()
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	duration, err := formDuration(c)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	result, err := h.messaging.SendMessage(c.Request.Context(), messaging.SendMessageInput{
		SenderEmail:   c.PostForm("senderEmail"),
		ReceiverEmail: c.PostForm("receiverEmail"),
		Message:       c.PostForm("message"),
		Duration:      duration,
		Thumbnail:     c.PostForm("thumbnail"),
		Attachment:    attachment,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"messageId": result.ID,
		"timestamp": result.Timestamp,
		"message":   result.Message,
	})
}

func (h *httpHandler) handleConversation(c *gin.Context) {
	entries, err := h.messaging.Conversation(c.Request.Context(), c.Param("userEmail"), c.Param("friendEmail"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "messages": entries})
}

type markDownloadedPayload struct {
	Email string `json:"email"`
}

func (h *httpHandler) handleMarkDownloaded(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	var payload markDownloadedPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, h.logger, apperr.Invalid(msgInvalidBody))
		return
	}
	message, err := h.messaging.MarkDownloaded(c.Request.Context(), id, payload.Email)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": message})
}

func (h *httpHandler) handleFileInfo(c *gin.Context) {
	info, err := h.messaging.FileInfo(c.Request.Context(), c.Param("filename"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "file": info})
}

// handleDownload streams a stored file as an attachment named after the
// optional name query parameter.
func (h *httpHandler) handleDownload(c *gin.Context) {
	h.streamFile(c, "attachment", c.Query("name"))
}

func (h *httpHandler) handleServeUpload(c *gin.Context) {
	h.streamFile(c, "inline", "")
}

func (h *httpHandler) streamFile(c *gin.Context, disposition, displayName string) {
	body, info, err := h.messaging.OpenFile(c.Request.Context(), c.Param("filename"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	defer body.Close()

	if displayName = strings.TrimSpace(displayName); displayName == "" {
		displayName = info.Filename
	}
	headers := map[string]string{
		"Content-Disposition": contentDisposition(disposition, displayName),
		"Cache-Control":       "public, max-age=86400",
	}
	c.DataFromReader(http.StatusOK, info.Size, info.ContentType, body, headers)
}

// contentDisposition keeps an ASCII fallback next to the RFC 5987 form so
// non-Latin names survive every client.
func contentDisposition(disposition, name string) string {
	fallback := strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e || r == '"' || r == '\\' {
			return '_'
		}
		return r
	}, name)
	return fmt.Sprintf(`%s; filename="%s"; filename*=UTF-8''%s`, disposition, fallback, url.PathEscape(name))
}

type registerUserPayload struct {
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Avatar    string `json:"avatar"`
}

func (h *httpHandler) handleRegisterUser(c *gin.Context) {
	var payload registerUserPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, h.logger, apperr.Invalid(msgInvalidBody))
		return
	}
	user, err := h.messaging.RegisterUser(c.Request.Context(), messaging.RegisterUserInput(payload))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "user": user})
}

func (h *httpHandler) handleGetUser(c *gin.Context) {
	user, err := h.messaging.User(c.Request.Context(), c.Param("email"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "user": user})
}

type friendPayload struct {
	UserEmail   string `json:"userEmail"`
	FriendEmail string `json:"friendEmail"`
}

func (h *httpHandler) handleAddFriend(c *gin.Context) {
	var payload friendPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, h.logger, apperr.Invalid(msgInvalidBody))
		return
	}
	friend, err := h.messaging.AddFriend(c.Request.Context(), payload.UserEmail, payload.FriendEmail)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "friend": friend})
}

func (h *httpHandler) handleListFriends(c *gin.Context) {
	friends, err := h.messaging.Friends(c.Request.Context(), c.Param("email"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "friends": friends})
}

func (h *httpHandler) handleRemoveFriend(c *gin.Context) {
	if err := h.messaging.RemoveFriend(c.Request.Context(), c.Param("email"), c.Param("friendEmail")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type createGroupPayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedBy   string `json:"createdBy"`
	Avatar      string `json:"avatar"`
}

func (h *httpHandler) handleCreateGroup(c *gin.Context) {
	var payload createGroupPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, h.logger, apperr.Invalid(msgInvalidBody))
		return
	}
	group, err := h.messaging.CreateGroup(c.Request.Context(), messaging.CreateGroupInput(payload))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "group": group})
}

func (h *httpHandler) handleUserGroups(c *gin.Context) {
	groups, err := h.messaging.UserGroups(c.Request.Context(), c.Param("email"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "groups": groups})
}

type groupMemberPayload struct {
	UserEmail string `json:"userEmail"`
	Role      string `json:"role"`
}

func (h *httpHandler) handleAddGroupMember(c *gin.Context) {
	groupID, err := pathID(c, "id")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	var payload groupMemberPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, h.logger, apperr.Invalid(msgInvalidBody))
		return
	}
	member, err := h.messaging.AddGroupMember(c.Request.Context(), groupID, payload.UserEmail, payload.Role)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "member": member})
}

func (h *httpHandler) handleGroupMembers(c *gin.Context) {
	groupID, err := pathID(c, "id")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	members, err := h.messaging.GroupMembers(c.Request.Context(), groupID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "members": members})
}

func (h *httpHandler) handleSendGroupMessage(c *gin.Context) {
	groupID, err := pathID(c, "id")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	attachment, release, err := formFile(c, "attachment")
	defer release()
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	duration, err := formDuration(c)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	entry, err := h.messaging.SendGroupMessage(c.Request.Context(), messaging.SendGroupMessageInput{
		GroupID:     groupID,
		SenderEmail: c.PostForm("senderEmail"),
		Message:     c.PostForm("message"),
		Duration:    duration,
		Thumbnail:   c.PostForm("thumbnail"),
		Attachment:  attachment,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": entry})
}

func (h *httpHandler) handleGroupMessages(c *gin.Context) {
	groupID, err := pathID(c, "id")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	messages, err := h.messaging.GroupMessages(c.Request.Context(), groupID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "messages": messages})
}

type startCallPayload struct {
	CallID        string `json:"callId"`
	CallerEmail   string `json:"callerEmail"`
	ReceiverEmail string `json:"receiverEmail"`
	CallType      string `json:"callType"`
}

func (h *httpHandler) handleStartCall(c *gin.Context) {
	var payload startCallPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, h.logger, apperr.Invalid(msgInvalidBody))
		return
	}
	call, err := h.messaging.StartCall(c.Request.Context(), messaging.StartCallInput(payload))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "call": call})
}

type callStatusPayload struct {
	Status string `json:"status"`
}

func (h *httpHandler) handleUpdateCallStatus(c *gin.Context) {
	var payload callStatusPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, h.logger, apperr.Invalid(msgInvalidBody))
		return
	}
	call, err := h.messaging.UpdateCallStatus(c.Request.Context(), c.Param("callId"), payload.Status)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "call": call})
}

func (h *httpHandler) handleCallHistory(c *gin.Context) {
	calls, err := h.messaging.CallHistory(c.Request.Context(), c.Param("email"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "calls": calls})
}

type startAgoraCallPayload struct {
	ChannelName   string `json:"channelName"`
	CallerEmail   string `json:"callerEmail"`
	ReceiverEmail string `json:"receiverEmail"`
	CallType      string `json:"callType"`
}

func (h *httpHandler) handleStartAgoraCall(c *gin.Context) {
	var payload startAgoraCallPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, h.logger, apperr.Invalid(msgInvalidBody))
		return
	}
	call, err := h.messaging.StartAgoraCall(c.Request.Context(), messaging.StartAgoraCallInput(payload))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "call": call})
}

func (h *httpHandler) handleUpdateAgoraCallStatus(c *gin.Context) {
	var payload callStatusPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, h.logger, apperr.Invalid(msgInvalidBody))
		return
	}
	call, err := h.messaging.UpdateAgoraCallStatus(c.Request.Context(), c.Param("channel"), payload.Status)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "call": call})
}
