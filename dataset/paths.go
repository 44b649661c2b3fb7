// Package dataset - Labelled image lists: label files, segmentation masks and batch collation.
package dataset

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ErrLayout is returned for an image path that is not inside an "images" directory.
var ErrLayout = errors.New("image path must contain a directory named images")

const (
	imagesDir = "images"
	labelsDir = "labels"
	masksDir  = "yoeo_segmentations"
)

// siblingPath replaces the last "images" in the directory of path with dir and
// swaps the extension for ext.
func siblingPath(path, dir, ext string) (string, error) {
	imageDir, base := filepath.Split(path)
	i := strings.LastIndex(imageDir, imagesDir)
	if i < 0 {
		return "", errors.Wrap(ErrLayout, path)
	}
	sibling := imageDir[:i] + dir + imageDir[i+len(imagesDir):]
	return filepath.Join(sibling, strings.TrimSuffix(base, filepath.Ext(base))+ext), nil
}

// LabelPath returns the label file of an image.
//
// Arguments:
//   - path: The image path, for example data/train/images/0001.jpg.
//
// Returns:
//   - The label path, for example data/train/labels/0001.txt.
//   - ErrLayout if the path has no images directory.
func LabelPath(path string) (string, error) {
	return siblingPath(path, labelsDir, ".txt")
}

// MaskPath returns the segmentation mask of an image, for example
// data/train/yoeo_segmentations/0001.png.
func MaskPath(path string) (string, error) {
	return siblingPath(path, masksDir, ".png")
}

// ReadList reads a list file with one image path per line. Blank lines are skipped.
func ReadList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open image list")
	}
	defer f.Close()

	var paths []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			paths = append(paths, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read image list")
	}
	return paths, nil
}

// ReadDirectory lists the image files of a directory, sorted by name.
//
// Arguments:
//   - dir: Directory path containing image files.
//
// Returns:
//   - []string: The image paths.
//   - error: Error if the directory cannot be read.
func ReadDirectory(dir string) ([]string, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "read image directory")
	}

	var paths []string
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(file.Name())) {
		case ".jpg", ".jpeg", ".png", ".bmp":
			paths = append(paths, filepath.Join(dir, file.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// Resolve returns the images named by source, which is either a list file or a
// directory of images.
func Resolve(source string) ([]string, error) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, errors.Wrap(err, "image source")
	}
	if info.IsDir() {
		return ReadDirectory(source)
	}
	return ReadList(source)
}
