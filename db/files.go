package db

import (
	"mindgraphix/models"
)

func uploadKey(id string) string { return uploadsPrefix + id }

// RecordUpload stores metadata for a file already written to blob storage.
func (s *Store) RecordUpload(f models.UploadedFile) (models.UploadedFile, error) {
	if err := required("name", f.Name); err != nil {
		return models.UploadedFile{}, err
	}
	if err := required("storage_key", f.StorageKey); err != nil {
		return models.UploadedFile{}, err
	}
	err := s.Update(func(tx *Tx) error {
		if f.ID == "" {
			f.ID = newID()
		}
		if f.UploadedAt.IsZero() {
			f.UploadedAt = tx.Now()
		}
		if err := tx.Check(uploadKey(f.ID), 0); err != nil {
			return err
		}
		f.Revision = tx.Revision()
		if err := tx.Set(uploadKey(f.ID), f); err != nil {
			return err
		}
		_, err := stageAdminLog(tx, "file_uploaded", f.UploadedBy, f.Name, models.SeverityInfo)
		return err
	})
	return f, err
}

// GetUpload returns the metadata with id.
func (s *Store) GetUpload(id string) (models.UploadedFile, error) {
	var f models.UploadedFile
	err := s.View(func(tx *Tx) error {
		var err error
		f, err = getRecord[models.UploadedFile](tx, uploadKey(id))
		if isNotFound(err) {
			return notFound("file", id)
		}
		return err
	})
	return f, err
}

// ListUploads returns file metadata, newest first by default.
func (s *Store) ListUploads(opts ListOptions) (Page[models.UploadedFile], error) {
	var all []models.UploadedFile
	_ = s.View(func(tx *Tx) error {
		all = listRecords[models.UploadedFile](tx, uploadsPrefix)
		return nil
	})
	return Select(all, opts, "uploaded_at", "desc")
}

// DeleteUpload removes the metadata and returns it so the caller can
// delete the blob.
func (s *Store) DeleteUpload(id, actor string) (models.UploadedFile, error) {
	var out models.UploadedFile
	err := s.Update(func(tx *Tx) error {
		f, err := getRecord[models.UploadedFile](tx, uploadKey(id))
		if isNotFound(err) {
			return notFound("file", id)
		}
		if err != nil {
			return err
		}
		out = f
		if err := tx.Delete(uploadKey(id)); err != nil {
			return err
		}
		_, err = stageAdminLog(tx, "file_deleted", actor, f.Name, models.SeverityWarning)
		return err
	})
	return out, err
}
