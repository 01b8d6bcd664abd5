// Package upload moves message attachments to the upload service before a
// message is sent. UploadAll is sequential and all-or-nothing: either every
// file yields a URL or the caller gets an UploadError and no URLs.
//
// LocalUploader is the filesystem-backed upload service the gateway serves.
package upload
